package cli

import (
	"bytes"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/eventshim/internal/auth"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/trigger"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", filepath.Join(t.TempDir(), "shim.db"))
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("SECRETS_KEY", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	t.Setenv("LOG_LEVEL", "silent")
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTriggerMessage(t *testing.T) {
	m, err := triggerMessage([]string{"poll", "live_agent_poll"})
	require.NoError(t, err)
	assert.Equal(t, trigger.Message{Type: trigger.TypePoll, PendingType: "LIVE_AGENT_POLL"}, m)

	_, err = triggerMessage([]string{"poll"})
	assert.ErrorIs(t, err, common.ErrInvalidParameter)
	_, err = triggerMessage([]string{"sweep", "x"})
	assert.ErrorIs(t, err, common.ErrInvalidParameter)
	_, err = triggerMessage([]string{"reboot"})
	assert.ErrorIs(t, err, common.ErrInvalidParameter)
}

func TestToken(t *testing.T) {
	setupEnv(t)
	out, err := run(t, "", "token", "--tenant", "t1", "--user", "u1")
	require.NoError(t, err)
	claims, err := auth.ParseToken("cli-secret", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "t1", claims.TenantID)

	_, err = run(t, "", "token", "--tenant", "t1")
	assert.Error(t, err)
}

func TestMigrateRunAndSecrets(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrated")

	out, err = run(t, "", "run", "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "ran sweep")

	_, err = run(t, "", "run", "poll", "fax_poll")
	assert.ErrorIs(t, err, common.ErrInvalidParameter)

	_, err = run(t, "s3cret\n", "secret", "put", "pubsub/t1", "-")
	require.NoError(t, err)
	_, err = run(t, "", "secret", "put", "pubsub/t1", "again")
	assert.ErrorIs(t, err, common.ErrAlreadyExists)

	out, err = run(t, "", "secret", "put", "--rotate", "pubsub/t1", "v2")
	require.NoError(t, err)
	assert.Contains(t, out, "version 2")

	out, err = run(t, "", "secret", "get", "pubsub/t1")
	require.NoError(t, err)
	assert.Equal(t, "v2\n", out)
}
