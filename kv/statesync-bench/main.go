package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tinysync/statesync/kv/config"
	"github.com/tinysync/statesync/kv/transaction"
	"go.uber.org/zap"
)

var (
	configPath  string
	engineName  string
	metricsAddr string

	globalContext context.Context
	globalCancel  context.CancelFunc
)

func loadConfig() (*config.Config, error) {
	conf := config.NewDefaultConfig()
	if configPath != "" {
		var err error
		if conf, err = config.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	if engineName != "" {
		conf.Storage.Engine = engineName
	}
	if metricsAddr != "" {
		conf.MetricsAddr = metricsAddr
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setup loads the config, installs the logger, serves metrics if asked to and starts an engine on the configured
// store. The caller stops the engine.
func setup() (*config.Config, *transaction.Engine, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := conf.SetupLogger(); err != nil {
		return nil, nil, err
	}
	log.Info("config", zap.Reflect("conf", conf))

	if conf.MetricsAddr != "" {
		go func() {
			log.Info("serving metrics", zap.String("addr", conf.MetricsAddr))
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(conf.MetricsAddr, mux); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	store, err := newStorage(conf)
	if err != nil {
		return nil, nil, err
	}
	engine := transaction.NewEngine(conf, store)
	if err := engine.Start(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	return conf, engine, nil
}

func handleSignal() chan struct{} {
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	closeDone := make(chan struct{}, 1)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		globalCancel()

		select {
		case <-sc:
			fmt.Printf("\nGot signal [%v] again to exit.\n", sig)
			os.Exit(1)
		case <-time.After(10 * time.Second):
			fmt.Print("\nWait 10s for closed, force exit\n")
			os.Exit(1)
		case <-closeDone:
			return
		}
	}()
	return closeDone
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())
	closeDone := handleSignal()

	rootCmd := &cobra.Command{
		Use:   "statesync-bench",
		Short: "Drive optimistic transactions against a versioned store",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&engineName, "engine", "", "storage engine, overrides the config file: memory, badger, leveldb or redis")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	rootCmd.AddCommand(
		newContendCommand(),
		newScenarioCommand(),
	)

	cobra.EnablePrefixMatching = true

	code := 0
	if err := rootCmd.Execute(); err != nil {
		code = 1
	}

	globalCancel()
	closeDone <- struct{}{}
	os.Exit(code)
}
