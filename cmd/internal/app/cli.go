package app

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chatsession/cmd/internal/auth/session"
	"chatsession/cmd/internal/auth/tokenstore"
	"chatsession/cmd/internal/chat"
	"chatsession/cmd/internal/realtime"
	"chatsession/cmd/security/token"
	v1 "chatsession/shared/contracts/chat/v1"
)

// cli carries the flags shared by every command.
type cli struct {
	configPath string
}

// NewRootCommand builds the chatctl command tree.
func NewRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Chat backend client with a managed login session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML config profile (default $CHAT_CONFIG_FILE)")

	root.AddCommand(
		c.newLoginCommand(),
		c.newRegisterCommand(),
		c.newLogoutCommand(),
		c.newStatusCommand(),
		c.newWhoamiCommand(),
		c.newModelsCommand(),
		c.newChatsCommand(),
		c.newAskCommand(),
		c.newChatCommand(),
		c.newContainersCommand(),
	)
	return root
}

// withApp builds an App for one command run and serves metrics alongside it.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *App) error) error {
	cfg, err := LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := New(ctx, cfg, log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("app.close.fail", "err", err)
		}
	}()

	mctx, stop := context.WithCancel(ctx)
	metricsDone := make(chan struct{})
	go func() {
		defer close(metricsDone)
		if err := a.ServeMetrics(mctx); err != nil {
			log.Error("app.metrics.fail", "err", err)
		}
	}()
	defer func() {
		stop()
		<-metricsDone
	}()

	return fn(ctx, a)
}

func (c *cli) newLoginCommand() *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the token pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := creds.password(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.Session.Login(ctx, creds.username, password)
			})
		},
	}
	creds.bind(cmd)
	return cmd
}

func (c *cli) newRegisterCommand() *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and store the token pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := creds.password(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.Session.Register(ctx, creds.username, password)
			})
		},
	}
	creds.bind(cmd)
	return cmd
}

type credentialFlags struct {
	username      string
	passwordValue string
	passwordStdin bool
}

func (f *credentialFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.username, "username", "u", "", "account username")
	cmd.Flags().StringVarP(&f.passwordValue, "password", "p", "", "account password (prefer --password-stdin or $CHAT_PASSWORD)")
	cmd.Flags().BoolVar(&f.passwordStdin, "password-stdin", false, "read the password from stdin")
	_ = cmd.MarkFlagRequired("username")
}

func (f *credentialFlags) password(in io.Reader) (string, error) {
	switch {
	case f.passwordStdin:
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return "", errors.New("empty password on stdin")
		}
		return line, nil
	case f.passwordValue != "":
		return f.passwordValue, nil
	case os.Getenv("CHAT_PASSWORD") != "":
		return os.Getenv("CHAT_PASSWORD"), nil
	default:
		return "", errors.New("password required: use --password-stdin, --password or $CHAT_PASSWORD")
	}
}

func (c *cli) newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				a.Session.LogOut(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}

func (c *cli) newStatusCommand() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				out := cmd.OutOrStdout()
				pair, err := tokenstore.LoadPair(ctx, a.store)
				if err != nil {
					return err
				}
				if !pair.HasAccess() {
					fmt.Fprintln(out, "state: unauthenticated")
					return nil
				}

				if check {
					err := a.Session.Restore(ctx)
					if err != nil && !errors.Is(err, session.ErrNetworkFailure) {
						fmt.Fprintf(out, "state: %s\n", a.Session.State())
						return err
					}
					if err != nil {
						fmt.Fprintf(out, "server: unreachable (%v)\n", err)
					}
					if pair, err = tokenstore.LoadPair(ctx, a.store); err != nil {
						return err
					}
				}

				writeTokenStatus(out, pair, time.Now())
				if check {
					fmt.Fprintf(out, "state: %s\n", a.Session.State())
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "verify the pair with the server")
	return cmd
}

func writeTokenStatus(w io.Writer, pair tokenstore.TokenPair, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "access:\t%s\n", token.Fingerprint(pair.Access))
	claims, err := token.DecodeClaims(pair.Access)
	if err != nil {
		fmt.Fprintf(tw, "expires:\tundecodable (%v)\n", err)
		return
	}
	if claims.UserID != "" {
		fmt.Fprintf(tw, "user id:\t%s\n", claims.UserID)
	}
	exp := claims.ExpiresAt
	if token.Expired(exp, now) {
		fmt.Fprintf(tw, "expires:\t%s (expired)\n", exp.Format(time.RFC3339))
	} else {
		fmt.Fprintf(tw, "expires:\t%s (in %s)\n", exp.Format(time.RFC3339), exp.Sub(now).Truncate(time.Second))
	}
	if pair.Refresh != "" {
		fmt.Fprintf(tw, "refresh:\t%s\n", token.Fingerprint(pair.Refresh))
	}
}

func (c *cli) newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the logged-in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				u, err := a.Session.CurrentUser(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (id %s)\n", u.Username, u.ID)
				return nil
			})
		},
	}
}

func (c *cli) newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the model catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				a.Nav.Navigate("/models")
				models, err := a.Chats.FetchAIModels(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				defer tw.Flush()
				fmt.Fprintln(tw, "MODEL\tNAME\tVERSIONS\tIMAGES")
				for _, m := range models {
					versions := make([]string, 0, len(m.Versions))
					for _, v := range m.Versions {
						versions = append(versions, v.Parameters)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", m.Model, m.Name, strings.Join(versions, ","), m.CanProcessImage)
				}
				return nil
			})
		},
	}
}

func (c *cli) newChatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage the chats of a model",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <model>",
		Short: "List chats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				list, err := a.Chats.FetchAllChats(ctx, args[0])
				if err != nil {
					return err
				}
				for _, s := range list {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.ID, s.Title)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create <model>",
		Short: "Create an empty chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				s, err := a.Chats.CreateChat(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s.ID)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history <model> <chat-id>",
		Short: "Print a chat history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				msgs, err := a.Chats.FetchChatHistory(ctx, args[0], chat.ID(args[1]))
				if err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", m.Role, m.Content)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <model> <chat-id> <title>",
		Short: "Rename a chat",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.Chats.ChangeChatTitle(ctx, args[0], chat.ID(args[1]), args[2])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <model> <chat-id>",
		Short: "Delete a chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.Chats.DeleteChat(ctx, args[0], chat.ID(args[1]))
			})
		},
	})

	return cmd
}

func (c *cli) newAskCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <model> <message>...",
		Short: "Ask a model over HTTP and print the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				reply, err := a.Chats.AskBot(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
				return nil
			})
		},
	}
}

func (c *cli) newChatCommand() *cobra.Command {
	var (
		model      string
		parameters string
		imagePath  string
		wait       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat <room>",
		Short: "Chat in a room over the socket, one stdin line per message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var image string
			if imagePath != "" {
				var err error
				if image, err = readImage(imagePath); err != nil {
					return err
				}
			}
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				a.Nav.Navigate("/chat")
				s := chatSession{
					out:   cmd.OutOrStdout(),
					errw:  cmd.ErrOrStderr(),
					in:    cmd.InOrStdin(),
					wait:  wait,
					frame: v1.OutboundFrame{AIModel: model, AIModelParameters: parameters, Image: image},
				}
				return s.run(ctx, a, args[0])
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name")
	cmd.Flags().StringVar(&parameters, "parameters", "", "model parameter size")
	cmd.Flags().StringVar(&imagePath, "image", "", "image attached to the first message")
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for pending replies after stdin ends")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func readImage(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	typ := mime.TypeByExtension(filepath.Ext(path))
	if typ == "" {
		typ = "application/octet-stream"
	}
	return "data:" + typ + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
}

// chatSession pumps stdin lines into one channel and prints streamed replies.
type chatSession struct {
	out   io.Writer
	errw  io.Writer
	in    io.Reader
	wait  time.Duration
	frame v1.OutboundFrame
}

func (s chatSession) run(ctx context.Context, a *App, room string) error {
	if !a.Session.EnsureValid(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return session.ErrNoSession
	}

	connected := make(chan struct{})
	replies := make(chan struct{}, 64)
	var sent, received atomic.Int64

	ch := a.Realtime.Open(ctx, room, realtime.Handlers{
		OnConnect: func() { close(connected) },
		OnReceive: func(f v1.InboundFrame) {
			if !f.Done {
				fmt.Fprint(s.out, f.Message)
				return
			}
			fmt.Fprintln(s.out)
			received.Add(1)
			select {
			case replies <- struct{}{}:
			default:
			}
		},
		OnDisconnect: func() { fmt.Fprintln(s.errw, "disconnected") },
	})
	if ch == nil {
		return session.ErrNoSession
	}
	defer func() {
		ch.Close()
		<-ch.Done()
	}()

	select {
	case <-connected:
	case <-ch.Done():
		return fmt.Errorf("room %s: connection failed", room)
	case <-ctx.Done():
		return ctx.Err()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			case <-ch.Done():
				return
			}
		}
	}()

	first := true
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return s.drain(ctx, ch, replies, &sent, &received)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			f := s.frame
			f.Message = line
			if !first {
				f.Image = ""
			}
			if err := ch.Send(ctx, f); err != nil {
				fmt.Fprintf(s.errw, "send: %v\n", err)
				continue
			}
			first = false
			sent.Add(1)
		case <-ch.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// drain waits for the replies still owed after stdin ended.
func (s chatSession) drain(ctx context.Context, ch *realtime.Channel, replies <-chan struct{}, sent, received *atomic.Int64) error {
	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	for received.Load() < sent.Load() {
		select {
		case <-replies:
		case <-ch.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return fmt.Errorf("timed out waiting for %d replies", sent.Load()-received.Load())
		}
	}
	return nil
}

func (c *cli) newContainersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "containers",
		Short: "Manage model containers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List containers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				if !a.Containers.CheckDockerConnection(ctx) {
					return errors.New("container runtime unavailable")
				}
				list, err := a.Containers.ListContainers(ctx)
				if err != nil {
					return err
				}
				return writeContainers(cmd.OutOrStdout(), list)
			})
		},
	})

	actions := []struct {
		use   string
		short string
		fn    func(*chat.Containers) func(context.Context, string, string) error
	}{
		{"run", "Start a model container", func(c *chat.Containers) func(context.Context, string, string) error { return c.RunContainer }},
		{"stop", "Stop a model container", func(c *chat.Containers) func(context.Context, string, string) error { return c.StopContainer }},
		{"remove", "Remove a model container", func(c *chat.Containers) func(context.Context, string, string) error { return c.RemoveContainer }},
	}
	for _, act := range actions {
		act := act
		cmd.AddCommand(&cobra.Command{
			Use:   act.use + " <model> <parameters>",
			Short: act.short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd, func(ctx context.Context, a *App) error {
					if err := act.fn(a.Containers)(ctx, args[0], args[1]); err != nil {
						return err
					}
					return writeContainers(cmd.OutOrStdout(), a.Containers.List())
				})
			},
		})
	}
	return cmd
}

func writeContainers(w io.Writer, list []chat.Container) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tPORT")
	for _, ct := range list {
		port := "-"
		if ct.Port != nil {
			port = *ct.Port
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ct.Name, ct.Status, port)
	}
	return tw.Flush()
}
