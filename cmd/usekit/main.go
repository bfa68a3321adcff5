// Command usekit sends requests through a configured usekit client and can
// serve a mock API to point it at.
//
//	usekit request [-config file] [-method GET] [-data body] [-repeat n] URL
//	usekit serve [-addr :8080] [-token-ttl 1m] [-succeed-every 3]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tankan/usekit"
	"github.com/tankan/usekit/internal/mockapi"
)

const envPrefix = "USEKIT"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logger.Error("usekit failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		usage()
		return flag.ErrHelp
	}

	switch args[0] {
	case "request":
		return runRequest(ctx, args[1:], stdout, logger)
	case "serve":
		return runServe(ctx, args[1:], logger)
	case "version":
		fmt.Fprintln(stdout, usekit.GetVersion())
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: usekit <request|serve|version> [flags]")
}

func runRequest(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	method := fs.String("method", "GET", "HTTP method")
	data := fs.String("data", "", "request body")
	repeat := fs.Int("repeat", 1, "send the request this many times")
	tokenURL := fs.String("token-url", "", "mock API base URL to fetch bearer tokens from")
	verbose := fs.Bool("v", false, "log pipeline activity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("request takes exactly one URL")
	}

	var cfg usekit.Config
	if *configPath != "" {
		loaded, err := usekit.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(envPrefix); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	opts := []usekit.Option{usekit.WithLogger(usekit.NewSlogLogger(logger))}
	if *verbose {
		opts = append(opts, usekit.WithDebug())
	}
	if *tokenURL != "" {
		opts = append(opts, usekit.WithTokenRefresh(mockapi.TokenSource(*tokenURL)))
	}

	client := usekit.NewFromConfig(cfg, opts...)
	if !client.IsValid() {
		return client.ValidationError()
	}
	defer client.Close()

	req := &usekit.Request{URL: fs.Arg(0), Method: usekit.Method(*method)}
	if *data != "" {
		req.Data = *data
	}

	for i := 0; i < max(*repeat, 1); i++ {
		start := time.Now()
		resp, err := client.Request(ctx, req)
		if err != nil {
			var clientErr *usekit.ClientError
			if errors.As(err, &clientErr) && *verbose {
				fmt.Fprint(os.Stderr, clientErr.DebugInfo())
			}
			return err
		}
		logger.Info("response", "status", resp.Status, "bytes", len(resp.Data), "duration", time.Since(start))
		if _, err := fmt.Fprintln(stdout, string(resp.Data)); err != nil {
			return err
		}
	}
	return nil
}

func runServe(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", ":8080", "listen address")
	secret := fs.String("secret", "", "token signing secret (default: $USEKIT_MOCK_SECRET or a fixed dev value)")
	tokenTTL := fs.Duration("token-ttl", time.Minute, "lifetime of issued tokens")
	succeedEvery := fs.Int("succeed-every", 3, "every n-th call to /flaky succeeds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key := *secret
	if key == "" {
		key = os.Getenv("USEKIT_MOCK_SECRET")
	}
	if key == "" {
		key = "usekit-dev-secret"
	}

	api, err := mockapi.New(mockapi.Config{
		Secret:       []byte(key),
		TokenTTL:     *tokenTTL,
		SucceedEvery: *succeedEvery,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           api,
		ReadHeaderTimeout: 2 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting mock API", slog.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
