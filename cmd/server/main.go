// Command server runs the API locally behind a chi router, translating
// net/http requests into API Gateway proxy events.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jun/calvoice/internal/app"
	"github.com/jun/calvoice/internal/config"
	"github.com/jun/calvoice/internal/logging"
)

var v = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "calvoice-server",
	Short: "Run the calendar assistant API locally",
	Long: `Runs the same handlers as the Lambda function on a local HTTP server.
Every setting can come from the environment, a YAML file (--config) or a flag;
flags win.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), v.GetString("ADDR"))
	},
}

func main() {
	addFlags()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Fatal("server exited", err)
	}
}

func addFlags() {
	flags := rootCmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("config", "", "YAML config file")
	flags.Bool("dev-mode", false, "use env secrets, HMAC identity tokens and the mock encryptor")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("user-store", "", "dynamodb or sqlite")
	flags.String("calendar-backend", "", "google or memory")
	bind(v, flags.Lookup("addr"), "ADDR")
	bind(v, flags.Lookup("config"), "CONFIG_FILE")
	bind(v, flags.Lookup("dev-mode"), "DEV_MODE")
	bind(v, flags.Lookup("log-level"), "LOG_LEVEL")
	bind(v, flags.Lookup("user-store"), "USER_STORE")
	bind(v, flags.Lookup("calendar-backend"), "CALENDAR_BACKEND")
}

func serve(ctx context.Context, addr string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Handle("/*", proxy(application.HandleRequest))

	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logging.Info("starting local server", "addr", addr, "dev_mode", cfg.DevMode)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logging.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
