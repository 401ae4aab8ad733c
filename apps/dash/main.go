package main

import (
	"log"
	"os"

	"github.com/dmakasi/mahudhurio/core"
	"github.com/dmakasi/mahudhurio/core/session"
	"github.com/dmakasi/mahudhurio/services/backend"
	logsvc "github.com/dmakasi/mahudhurio/services/logger"
	"github.com/dmakasi/mahudhurio/storage/keyvalue"
	filekv "github.com/dmakasi/mahudhurio/storage/keyvalue/file"
	rediskv "github.com/dmakasi/mahudhurio/storage/keyvalue/redis"
)

func main() {
	defer os.Exit(0)

	conf := core.NewConfig()

	std := log.New(os.Stdout, "DASH : ", log.LstdFlags|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(std, conf)
	logger.Enable(conf.RollbarToken != "")

	// set up session storage
	var store keyvalue.Store
	var err error
	if conf.Storage.RedisAddr != "" {
		store, err = rediskv.Open(conf)
	} else {
		store, err = filekv.Open(conf.Storage.Path)
	}
	errAndDie(std, err)

	// set up backend services
	client := backend.NewClient(conf, logger)
	var auth session.AuthService
	if conf.Backend.AuthScheme == "jwt" {
		auth = backend.NewJWTAuthService(client)
	} else {
		auth = backend.NewBasicAuthService(client)
	}

	users := backend.NewUserService(client)
	sess := session.NewService(session.Deps{
		Conf:       conf,
		Logger:     logger,
		Auth:       auth,
		Users:      users,
		Store:      store,
		TokenCheck: backend.TokenFresh,
	})
	client.SetTokenSource(sess.Token)
	client.OnUnauthorized(sess.HandleUnauthorized)

	// probe backend reachability in the background
	prober := backend.NewProber(conf, logger)
	defer prober.Stop()
	unsubscribe := prober.Subscribe(sess.SetBackendAvailable)
	defer unsubscribe()
	prober.Start()

	// start CLI
	cli := commandLine{
		sess:  sess,
		users: users,
		guard: newGuard(sess),
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			std.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(std *log.Logger, err error) {
	if err != nil {
		std.Fatal(err)
	}
}
