package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	"tiwut/internal/app"
	"tiwut/internal/commands"
	"tiwut/internal/config"
	"tiwut/internal/content"
	"tiwut/internal/controller"
	"tiwut/internal/http"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type options struct {
	configPath  string
	login       string
	register    string
	displayName string
	logout      bool
	rooms       bool
	room        string
	send        string
	bridge      bool
}

func parseFlags(args []string) (*options, error) {
	var o options
	fs := pflag.NewFlagSet("tiwut", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "Path to a JSONC config file (default $TIWUT_CONFIG)")
	fs.StringVar(&o.login, "login", "", "Log in as `username` and store the session")
	fs.StringVar(&o.register, "register", "", "Create an account for `username`")
	fs.StringVar(&o.displayName, "display-name", "", "Display name for --register (default: the username)")
	fs.BoolVar(&o.logout, "logout", false, "Forget the stored session")
	fs.BoolVar(&o.rooms, "rooms", false, "List chat rooms")
	fs.StringVarP(&o.room, "room", "r", "", "Room `id` to follow, or to post to with --send")
	fs.StringVarP(&o.send, "send", "s", "", "Post `text` to --room")
	fs.BoolVar(&o.bridge, "bridge", false, "Serve the local GUI bridge (default when no other action is given)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.send != "" && o.room == "" {
		return nil, errors.New("--send requires --room")
	}
	if o.displayName != "" && o.register == "" {
		return nil, errors.New("--display-name requires --register")
	}
	return &o, nil
}

// action reports whether a one-shot command was requested.
func (o *options) action() bool {
	return o.login != "" || o.register != "" || o.logout || o.rooms || o.room != ""
}

func run(ctx context.Context, args []string, stdin *os.File, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if opts.logout {
		return commands.Logout(c, stdout)
	}

	if opts.register != "" {
		if err := register(ctx, c, opts, stdin, stdout); err != nil {
			return err
		}
		if !opts.rooms && opts.room == "" && !opts.bridge {
			return nil
		}
	}

	if opts.login != "" {
		password, err := commands.ReadPassword("Password: ", stdin, stdout)
		if err != nil {
			return err
		}
		if err := commands.Login(ctx, c, opts.login, password, stdout); err != nil {
			return err
		}
	} else if _, err := c.Resume(ctx); err != nil {
		if errors.Is(err, controller.ErrNoSession) && (opts.room != "" || opts.send != "") {
			return errors.New("not logged in, run with --login <username> first")
		}
		if !errors.Is(err, controller.ErrNoSession) {
			slog.Warn("Stored session could not be resumed", "error", err)
		}
	}

	switch {
	case opts.rooms:
		return commands.Rooms(ctx, c, stdout)
	case opts.send != "":
		return commands.Send(ctx, c, opts.room, opts.send)
	case opts.room != "":
		return commands.Tail(ctx, c, opts.room, time.Local, stdout)
	case opts.bridge || !opts.action():
		return serveBridge(ctx, c, cfg.BridgeAddr)
	}
	return nil
}

func register(ctx context.Context, c commands.Chat, opts *options, stdin *os.File, stdout io.Writer) error {
	password, err := commands.ReadPassword("Password: ", stdin, stdout)
	if err != nil {
		return err
	}
	confirm := password
	if _, fromEnv := os.LookupEnv(commands.PasswordEnv); !fromEnv {
		if confirm, err = commands.ReadPassword("Confirm password: ", stdin, stdout); err != nil {
			return err
		}
	}

	displayName := opts.displayName
	if displayName == "" {
		displayName = opts.register
	}
	if err := content.ValidateRegistration(displayName, opts.register, password, confirm); err != nil {
		return err
	}
	return commands.Register(ctx, c, displayName, opts.register, password, stdout)
}

func serveBridge(ctx context.Context, c http.Session, addr string) error {
	bridge := http.NewBridgeServer(c, time.Local, addr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bridge.Start()
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down bridge...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := bridge.Shutdown(shutdownCtx); err != nil {
			log.Printf("Bridge shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pflag.ErrHelp) {
		log.Fatalf("Application error: %v", err)
	}
}
