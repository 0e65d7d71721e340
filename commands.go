package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"ChatRelay/global"
	"ChatRelay/logger"
	"ChatRelay/service/client"
	"ChatRelay/service/events"
	"ChatRelay/service/kafka"
	"ChatRelay/service/membership"
	"ChatRelay/service/natsx"
	"ChatRelay/service/protocol"
	tokens "ChatRelay/tools/security"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func configFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", os.Getenv("CHAT_CONFIG"), "path to the YAML configuration file")
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the websocket relay with the stores, membership oracle and event sink
selected in the configuration. SIGINT or SIGTERM drains and stops it.`,
		Example: `  chatrelay serve --config relay.yaml
  CHAT_DEV_LOGIN=true chatrelay serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	configFlag(cmd, &configPath)
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		user       string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a session token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.Load(configPath)
			if err != nil {
				return err
			}
			opts := authOptions(cfg)
			if ttl > 0 {
				opts.TTL = ttl
			}
			token, exp, err := tokens.Generate(opts, user, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	configFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id to put in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to auth.token_ttl")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildClientCmd() *cobra.Command {
	var (
		url, token, user, thread string
		jitter                   bool
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interactive relay client that reconnects on its own",
		Long: `Connect to a relay and print every server event as one JSON line.
Lines read from stdin are sent to --thread as chat messages, except:

  /read [messageId]   mark the thread read
  /typing on|off      send a typing indicator`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := client.Config{URL: url, Token: token, UserID: user}
			if jitter {
				cfg.Backoff = client.DefaultExponential()
			}
			return runClient(cmd.Context(), cfg, thread, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "relay websocket url")
	cmd.Flags().StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "session token")
	cmd.Flags().StringVar(&user, "user", "", "expected user id, checked against the token")
	cmd.Flags().StringVar(&thread, "thread", "", "thread to talk in")
	cmd.Flags().BoolVar(&jitter, "jitter", false, "exponential backoff with jitter instead of a flat 3s delay")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func runClient(ctx context.Context, cfg client.Config, thread string, in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	cfg.OnStateChange = func(s client.State) {
		logger.Info("client state", zap.String("state", s.String()))
	}
	cfg.OnEvent = func(env protocol.Outbound) {
		frame, err := protocol.Encode(env)
		if err != nil {
			return
		}
		_ = enc.Encode(json.RawMessage(frame))
	}
	c := client.New(cfg)
	defer c.Close()
	if err := c.Connect(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if !clientLine(c, thread, strings.TrimSpace(line)) {
				logger.Warn("not connected, dropped", zap.String("line", line))
			}
		}
	}
}

func clientLine(c *client.Client, thread, line string) bool {
	switch {
	case line == "":
		return true
	case strings.HasPrefix(line, "/read"):
		return c.MarkAsRead(thread, strings.TrimSpace(strings.TrimPrefix(line, "/read")))
	case strings.HasPrefix(line, "/typing"):
		return c.SendTypingIndicator(thread, strings.TrimSpace(strings.TrimPrefix(line, "/typing")) != "off")
	default:
		return c.SendChatMessage(thread, line)
	}
}

func buildEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the outward event stream",
	}
	var (
		configPath string
		group      string
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print relay events from the configured sink as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.Load(configPath)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			emit := func(e events.Event) error { return enc.Encode(e) }
			return tailEvents(cmd.Context(), cfg, group, emit)
		},
	}
	configFlag(tail, &configPath)
	tail.Flags().StringVar(&group, "group", "chatrelay-tail", "kafka consumer group")
	cmd.AddCommand(tail)
	return cmd
}

func tailEvents(ctx context.Context, cfg *global.Config, group string, fn func(events.Event) error) error {
	switch cfg.Events.Driver {
	case global.EventsNats, global.EventsBoth:
		nc, err := natsx.NewClient(natsConfig(cfg))
		if err != nil {
			return err
		}
		defer nc.Close()
		// registers the per type routes Tail subscribes to
		if _, err := natsx.NewSink(nc, cfg.Events.Nats.SubjectPrefix, natsx.Core); err != nil {
			return err
		}
		if err := natsx.Tail(ctx, nc, natsx.NewMemIdem(ctx, 10*time.Minute), fn); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	case global.EventsKafka:
		kc := kafkaConfig(cfg)
		kc.GroupID = group
		kc.InitialOffset = "newest"
		r := kafka.NewRouter()
		r.Register(kc.Topic, func(_ string, _, value []byte) error {
			e, err := events.Unmarshal(value)
			if err != nil {
				return err
			}
			return fn(e)
		})
		return kafka.Consume(ctx, kc, r)
	default:
		return errors.Errorf("events driver %q has nothing to tail", cfg.Events.Driver)
	}
}

func buildMembersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Manage thread membership in the mongo oracle",
	}
	var (
		configPath, thread, user string
		order                    int64
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a user to a thread",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Membership.Driver != global.MembershipMongo {
				return errors.New("members add needs membership.driver: mongo")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			coll, err := membership.Connect(ctx, cfg.Membership.Mongo)
			if err != nil {
				return err
			}
			defer coll.Database().Client().Disconnect(context.Background())
			m := membership.NewMongo(coll)
			if err := m.EnsureIndexes(ctx); err != nil {
				return err
			}
			if err := m.Join(ctx, thread, user, order); err != nil {
				return err
			}
			users, err := m.ParticipantsOf(ctx, thread)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", thread, strings.Join(users, ", "))
			return nil
		},
	}
	configFlag(add, &configPath)
	add.Flags().StringVar(&thread, "thread", "", "thread id")
	add.Flags().StringVar(&user, "user", "", "user id")
	add.Flags().Int64Var(&order, "order", 0, "position in the participant list")
	_ = add.MarkFlagRequired("thread")
	_ = add.MarkFlagRequired("user")
	cmd.AddCommand(add)
	return cmd
}
