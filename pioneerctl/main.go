package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/golang/glog"

	"github.com/getsidetrack/pioneer/connect"
	"github.com/getsidetrack/pioneer/engine"
	"github.com/getsidetrack/pioneer/pubsub"
)

const PioneerCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Pioneer GraphQL websocket server and client.

Settings are read from the config file, then a .env file and PIONEER_* environment
variables, then flags. Protocols are graphql-ws and graphql-transport-ws.

Usage:
    pioneerctl serve [--config=<config>] [--addr=<addr>] [--path=<path>]
        [--protocol=<protocol>...]
        [--keep_alive=<keep_alive>]
        [--no_introspection]
        [--jwt_claims]
        [--redis_url=<redis_url>]
        [--verbosity=<verbosity>]
    pioneerctl subscribe --url=<url> [--protocol=<protocol>...] [--jwt=<jwt>]
        [--params=<params>]
        [--variables=<variables>]
        [--count=<count>]
        <query>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          A .toml, .yaml or .yml config file.
    --addr=<addr>              Listen address.
    --path=<path>              Websocket path.
    --protocol=<protocol>      Sub-protocols in order of preference.
    --keep_alive=<keep_alive>  Keep-alive interval, e.g. 12.5s. 0 disables.
    --no_introspection         Reject queries that select __schema or __type.
    --jwt_claims               Copy unverified bearer token claims into the operation context.
    --redis_url=<redis_url>    Use redis for pubsub instead of memory.
    --verbosity=<verbosity>    Log verbosity.
    --url=<url>                Websocket url, e.g. ws://localhost:8080/graphql/websocket
    --jwt=<jwt>                Sent as a bearer token.
    --params=<params>          JSON connection params.
    --variables=<variables>    JSON variables.
    --count=<count>            Exit after this many results.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PioneerCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(opts)
	} else if subscribe_, _ := opts.Bool("subscribe"); subscribe_ {
		err = subscribe(opts)
	}
	if err != nil {
		Err.Printf("%s\n", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadServeConfig(opts docopt.Opts) (*serveConfig, error) {
	config := defaultServeConfig()

	if path, err := opts.String("--config"); err == nil && path != "" {
		raw, err := loadFileConfig(path)
		if err != nil {
			return nil, err
		}
		if err := config.applyFile(raw); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if addr, err := opts.String("--addr"); err == nil && addr != "" {
		config.Addr = addr
	}
	if path, err := opts.String("--path"); err == nil && path != "" {
		config.Path = path
	}
	if names, ok := opts["--protocol"].([]string); ok && 0 < len(names) {
		subProtocols, err := parseSubProtocols(names)
		if err != nil {
			return nil, err
		}
		config.SubProtocols = subProtocols
	}
	if keepAlive, err := opts.String("--keep_alive"); err == nil && keepAlive != "" {
		d, err := time.ParseDuration(keepAlive)
		if err != nil {
			return nil, fmt.Errorf("parse --keep_alive: %w", err)
		}
		config.KeepAlive = d
	}
	if noIntrospection, _ := opts.Bool("--no_introspection"); noIntrospection {
		config.Introspection = false
	}
	if jwtClaims, _ := opts.Bool("--jwt_claims"); jwtClaims {
		config.JwtClaims = true
	}
	if redisUrl, err := opts.String("--redis_url"); err == nil && redisUrl != "" {
		config.RedisUrl = redisUrl
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func serve(opts docopt.Opts) error {
	flag.Set("logtostderr", "true")
	if v, err := opts.String("--verbosity"); err == nil && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("parse --verbosity: %w", err)
		}
		flag.Set("v", v)
	}

	config, err := loadServeConfig(opts)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	var ps pubsub.PubSub
	if config.RedisUrl != "" {
		ps, err = pubsub.NewRedisPubSubFromUrl(ctx, config.RedisUrl, pubsub.DefaultRedisPubSubSettings())
		if err != nil {
			return err
		}
	} else {
		ps = pubsub.NewMemoryPubSubWithDefaults(ctx)
	}
	defer ps.Close()

	schema, err := newSchema(ps)
	if err != nil {
		return err
	}

	server := connect.NewServer(ctx, engine.NewSchemaEngineWithDefaults(schema), config.serverSettings())
	defer server.Close()

	connect.RegisterMetrics()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	server.RegisterRoutes(router, config.Path)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	httpServer := &http.Server{
		Addr:    config.Addr,
		Handler: router,
	}
	go connect.HandleError(func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	})

	glog.Infof("[s]serving %s on %s\n", config.Path, config.Addr)
	Out.Printf("Serving ws://%s%s\n", config.Addr, config.Path)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
