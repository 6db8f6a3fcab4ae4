package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/eventshim/internal/app"
	"github.com/suPer8Hu/eventshim/internal/auth"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/store/rabbitmq"
	"github.com/suPer8Hu/eventshim/internal/trigger"
)

func (o *rootOptions) app() (*app.App, error) {
	return app.Build(o.cfg, o.log, app.Options{})
}

func newMigrateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.app()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrated")
			return nil
		},
	}
}

// triggerMessage builds a trigger from "poll <pending_type>",
// "push_delivery" or "sweep".
func triggerMessage(args []string) (trigger.Message, error) {
	m := trigger.Message{Type: strings.ToLower(args[0])}
	switch m.Type {
	case trigger.TypePoll:
		if len(args) != 2 {
			return m, common.InvalidParameterf("poll needs a pending type")
		}
		m.PendingType = strings.ToUpper(args[1])
	case trigger.TypePushDelivery, trigger.TypeSweep:
		if len(args) != 1 {
			return m, common.InvalidParameterf("%s takes no arguments", m.Type)
		}
	default:
		return m, common.InvalidParameterf("unknown trigger %q", args[0])
	}
	return m, nil
}

func newRunCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <poll PENDING_TYPE | push_delivery | sweep>",
		Short: "Run one trigger in this process",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := triggerMessage(args)
			if err != nil {
				return err
			}
			a, err := o.app()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Publish(cmd.Context(), nil, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ran %s\n", m.Type)
			return nil
		},
	}
}

func newEnqueueCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <poll PENDING_TYPE | push_delivery | sweep>",
		Short: "Publish one trigger to the worker queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := triggerMessage(args)
			if err != nil {
				return err
			}
			pub, err := rabbitmq.NewPublisher(o.cfg.RabbitURL, o.cfg.RabbitQueue)
			if err != nil {
				return fmt.Errorf("rabbit: %w", err)
			}
			defer pub.Close()
			if err := pub.PublishJSON(cmd.Context(), m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s on %s\n", m.Type, pub.Queue())
			return nil
		},
	}
}

func newSecretCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage sealed secrets",
	}

	var rotate bool
	put := &cobra.Command{
		Use:   "put <name> <value|->",
		Short: "Create a secret, or rotate it with --rotate. A value of - reads stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := []byte(args[1])
			if args[1] == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				value = []byte(strings.TrimRight(string(b), "\n"))
			}
			a, err := o.app()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Secrets == nil {
				return &common.ConfigError{Component: "secrets", Message: "SECRETS_KEY is not set"}
			}
			ctx := cmd.Context()
			if !rotate {
				if err := a.Secrets.Create(ctx, args[0], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
				return nil
			}
			cur, err := a.Secrets.Get(ctx, args[0])
			if err != nil {
				return err
			}
			v, err := a.Secrets.Rotate(ctx, args[0], value, cur.Version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated %s to version %d\n", args[0], v)
			return nil
		},
	}
	put.Flags().BoolVar(&rotate, "rotate", false, "replace an existing secret")

	get := &cobra.Command{
		Use:   "get <name>",
		Short: "Print a secret value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.app()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Secrets == nil {
				return &common.ConfigError{Component: "secrets", Message: "SECRETS_KEY is not set"}
			}
			s, err := a.Secrets.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(s.Value))
			return nil
		},
	}

	cmd.AddCommand(put, get)
	return cmd
}

func newTokenCmd(o *rootOptions) *cobra.Command {
	var (
		tenant string
		user   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.IssueToken(o.cfg.JWTSecret, tenant, user, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
