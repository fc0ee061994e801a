// Package app wires the service together and routes API Gateway requests.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/jun/calvoice/internal/assistant"
	"github.com/jun/calvoice/internal/auth"
	"github.com/jun/calvoice/internal/calendar"
	"github.com/jun/calvoice/internal/config"
	"github.com/jun/calvoice/internal/convo"
	"github.com/jun/calvoice/internal/crypto"
	"github.com/jun/calvoice/internal/handler"
	"github.com/jun/calvoice/internal/llm"
	"github.com/jun/calvoice/internal/logging"
	"github.com/jun/calvoice/internal/secret"
	"github.com/jun/calvoice/internal/store"
	"github.com/jun/calvoice/internal/stt"
)

// App holds the dependencies for the Lambda function and the local server.
type App struct {
	authHandler     *handler.AuthHandler
	calendarHandler *handler.CalendarHandler
	processHandler  *handler.ProcessHandler

	devMode          bool
	frontendURL      string
	apiGatewaySecret string

	closers []func() error
}

// Deps are the already built collaborators of an App. NewApp builds them
// from configuration; tests supply their own.
type Deps struct {
	Authenticator handler.Authenticator
	Exchanger     handler.Exchanger
	Calendars     calendar.Provider
	Processor     handler.Processor
	DefaultZone   string
}

// New assembles an App from prepared dependencies.
func New(cfg *config.Config, d Deps, apiGatewaySecret string) *App {
	return &App{
		authHandler:      handler.NewAuthHandler(d.Exchanger),
		calendarHandler:  handler.NewCalendarHandler(d.Authenticator, d.Calendars, d.DefaultZone),
		processHandler:   handler.NewProcessHandler(d.Authenticator, d.Processor),
		devMode:          cfg.DevMode,
		frontendURL:      cfg.FrontendURL,
		apiGatewaySecret: apiGatewaySecret,
	}
}

// NewApp initializes the application dependencies from cfg.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	// ---------- Secret Resolver ----------
	var resolver secret.Resolver
	if cfg.DevMode {
		resolver = secret.NewEnvResolver()
		logging.Info("using environment secrets", "dev_mode", true)
	} else {
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))
	}
	resolver = secret.NewCachingResolver(resolver)

	googleClientSecret := secret.Optional(ctx, resolver, cfg.GoogleClientSecretParam)
	llmAPIKey := secret.Optional(ctx, resolver, cfg.LLMAPIKeyParam)
	var apiGatewaySecret string
	if !cfg.DevMode {
		if apiGatewaySecret, err = resolver.GetSecret(ctx, cfg.APIGatewaySecretParam); err != nil {
			return nil, fmt.Errorf("resolve API gateway secret: %w", err)
		}
	}

	var closers []func() error

	// ---------- Stores ----------
	var users store.Users
	var logClient convo.DynamoAPI
	switch cfg.UserStore {
	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		closers = append(closers, s.Close)
		users = s
		logging.Info("using SQLite user store and in-memory conversations", "path", cfg.SQLitePath)
	default:
		dynamoClient := dynamodb.NewFromConfig(awsCfg)
		users = store.NewDynamoUsers(dynamoClient, cfg.UsersTable, store.WithTimeout(cfg.StoreTimeout))
		logClient = dynamoClient
	}
	convoLog := convo.NewDynamoLog(logClient, cfg.ConversationsTable,
		convo.WithMaxTurns(cfg.ConvoMaxTurns),
		convo.WithTTL(cfg.ConvoTTL),
		convo.WithTimeout(cfg.StoreTimeout),
	)

	var encryptor crypto.Encryptor
	if cfg.DevMode {
		encryptor = crypto.NewMockEncryptor()
	} else {
		encryptor = crypto.NewKMSService(kms.NewFromConfig(awsCfg), cfg.KMSKeyID)
	}

	// ---------- Identity and credentials ----------
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: googleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes:       cfg.GoogleScopes,
		Endpoint:     google.Endpoint,
	}
	vault := auth.NewVault(oauthConfig, users, encryptor,
		auth.WithStoreTimeout(cfg.StoreTimeout), auth.WithRefreshTimeout(cfg.TokenTimeout))
	sweeper, err := vault.StartSweeper(cfg.SweepSchedule)
	if err != nil {
		return nil, err
	}
	closers = append(closers, stopCron(sweeper))

	var verifier auth.Verifier
	if cfg.DevMode {
		devSecret, err := resolver.GetSecret(ctx, cfg.DevJWTSecretParam)
		if err != nil {
			return nil, fmt.Errorf("resolve dev identity secret: %w", err)
		}
		verifier = auth.NewHMACVerifier(devSecret, cfg.GoogleClientID)
		logging.Info("using HMAC identity tokens", "dev_mode", true)
	} else {
		verifier = auth.NewGoogleVerifier(cfg.GoogleClientID)
	}

	// ---------- Calendar ----------
	var calendars calendar.Provider
	if cfg.CalendarBackend == "memory" {
		calendars = calendar.NewMemoryProvider()
		logging.Info("using in-memory calendars", "dev_mode", true)
	} else {
		calendars = calendar.NewGoogleProvider(vault, cfg.CalendarID, cfg.CalendarTimeout)
	}

	// ---------- Assistant ----------
	m := llm.NewModel(llm.NewClient(cfg.LLMEndpoint, llmAPIKey, cfg.LLMModel, cfg.ModelTimeout), llm.DefaultPrompts())
	transcriber := stt.NewClient(cfg.STTEndpoint, llmAPIKey, cfg.STTModel, cfg.STTTimeout)
	coordinator := assistant.NewCoordinator(
		assistant.NewPlanner(m, convoLog),
		assistant.NewExecutor(m, convoLog),
		calendars,
		transcriber,
	)

	a := New(cfg, Deps{
		Authenticator: auth.NewAuthenticator(verifier, users),
		Exchanger:     auth.NewExchanger(verifier, users, vault),
		Calendars:     calendars,
		Processor:     coordinator,
		DefaultZone:   cfg.DefaultTimezone,
	}, apiGatewaySecret)
	a.closers = closers
	return a, nil
}

// Close releases the store and stops background jobs.
func (app *App) Close() error {
	var first error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func stopCron(c *cron.Cron) func() error {
	return func() error {
		<-c.Stop().Done()
		return nil
	}
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod

	logging.Debug("request", "method", method, "path", path)

	// CORS Preflight
	if method == http.MethodOptions {
		return app.corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	// Requests must come through CloudFront, which adds the shared secret.
	if !app.devMode && handler.Header(req, "X-Origin-Verify") != app.apiGatewaySecret {
		logging.Warn("blocked request without origin secret", "method", method, "path", path)
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusForbidden,
			Body:       "Forbidden: Access denied",
		}, nil
	}

	// Strip /api prefix if present (for CloudFront proxying)
	path = strings.TrimPrefix(path, "/api")

	if req.PathParameters == nil {
		req.PathParameters = make(map[string]string)
	}
	if req.QueryStringParameters == nil {
		req.QueryStringParameters = make(map[string]string)
	}

	switch {
	case path == "/health" && method == http.MethodGet:
		return app.corsResponse(must(handler.Health(ctx, req))), nil

	case path == "/auth/exchange" && method == http.MethodPost:
		return app.corsResponse(must(app.authHandler.Exchange(ctx, req))), nil

	case path == "/process" && method == http.MethodPost:
		return app.corsResponse(must(app.processHandler.Process(ctx, req))), nil

	case path == "/calendar/events/range" && method == http.MethodGet:
		return app.corsResponse(must(app.calendarHandler.ListRange(ctx, req))), nil

	case path == "/calendar/events" && method == http.MethodPost:
		return app.corsResponse(must(app.calendarHandler.CreateEvent(ctx, req))), nil

	case strings.HasPrefix(path, "/calendar/events/"):
		id := strings.Trim(strings.TrimPrefix(path, "/calendar/events/"), "/")
		if id == "" || strings.Contains(id, "/") {
			break
		}
		req.PathParameters["id"] = id
		switch method {
		case http.MethodPatch:
			return app.corsResponse(must(app.calendarHandler.PatchEvent(ctx, req))), nil
		case http.MethodDelete:
			return app.corsResponse(must(app.calendarHandler.DeleteEvent(ctx, req))), nil
		}
	}

	return app.corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

// corsResponse adds CORS headers to an API Gateway response.
func (app *App) corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = app.frontendURL
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,PATCH,DELETE,OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must unwraps a handler response, turning an error into a bare 500.
func must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		logging.Error("handler error", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
