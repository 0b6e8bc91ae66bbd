package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/pflag"

	"github.com/y3sh/rt-sdk-go/client/rest"
	"github.com/y3sh/rt-sdk-go/client/websocket"
	"github.com/y3sh/rt-sdk-go/tokens"
)

var logger = loggo.GetLogger("rtsdk.cmd")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Cause(err) == pflag.ErrHelp {
			return
		}

		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		logger.Debugf("%s", errors.ErrorStack(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := LoadConfig(newFlagSet(os.Args[0]), args)
	if err != nil {
		return errors.Trace(err)
	}

	if err := loggo.ConfigureLoggers(cfg.LogLevel); err != nil {
		return errors.Annotatef(err, "configuring loggers")
	}

	cred, err := cfg.Credential(ioutil.ReadFile)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpClient := rest.NewClient(&rest.ClientParams{
		Timeout: cfg.HTTPTimeout,
	})

	authParams := rest.AuthenticatorParams{
		AuthURL:    cfg.AuthURL,
		Credential: cred,
		Scope:      cfg.Scope,
		Audience:   cfg.Audience,
		HTTP:       httpClient,
	}

	if cfg.NewPassword != "" {
		pwdAuth, err := rest.NewAuthenticator(&authParams)
		if err != nil {
			return errors.Trace(err)
		}

		cred, err = pwdAuth.ChangePassword(ctx, cfg.NewPassword)
		if err != nil {
			return errors.Annotatef(err, "changing password")
		}

		fmt.Println("Password changed")
		authParams.Credential = cred
	}

	auth, err := rest.NewAuthenticator(&authParams)
	if err != nil {
		return errors.Trace(err)
	}

	ts, err := auth.Authenticate(ctx, nil)
	if err != nil {
		return errors.Annotatef(err, "authenticating")
	}

	store := tokens.NewStore(*ts)

	endpoints := cfg.Endpoints()
	if endpoints == nil {
		resolver, err := rest.NewEndpointResolver(&rest.EndpointResolverParams{
			DiscoveryURL: cfg.DiscoveryURL,
			HTTP:         httpClient,
		})
		if err != nil {
			return errors.Trace(err)
		}

		endpoints, err = resolver.Resolve(ctx, store.Current(), cfg.Region, cfg.HotStandby)
		if err != nil {
			return errors.Annotatef(err, "resolving endpoints")
		}
	}

	policy := cfg.Policy(cred)
	out := newEcho(os.Stdout, cfg.NoColor)

	mgr := websocket.NewSessionManager(&websocket.SessionManagerParams{
		AppID:                 cfg.AppID,
		Position:              cfg.Position,
		RICs:                  cfg.RICs,
		Service:               cfg.Service,
		View:                  cfg.View,
		Posting:               cfg.Posting(),
		ReconnectDelay:        cfg.ReconnectDelay,
		AwaitTokenOnReconnect: policy == tokens.PolicyLazy,
		Setup:                 out.attach,
	})

	if _, err := mgr.Start(endpoints, store.Current()); err != nil {
		return errors.Trace(err)
	}

	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Errorf("closing sessions: %s", err)
		}
	}()

	sched, err := tokens.NewScheduler(&tokens.SchedulerParams{
		Policy: policy,
		Auth:   auth,
		Sink:   mgr,
		Store:  store,
	})
	if err != nil {
		return errors.Trace(err)
	}

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Infof("interrupted, closing")
		return nil

	case err := <-mgr.Fatal():
		return errors.Annotatef(err, "no live sessions left")

	case err := <-schedErr:
		if err != nil {
			return errors.Annotatef(err, "token renewal failed")
		}
		return nil
	}
}
