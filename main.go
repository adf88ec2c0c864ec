package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	_ "net/http/pprof"
)

func main() {
	pflag.String("config", "", "config file (default ./config.yaml)")
	pflag.String("host", "127.0.0.1:8090", "control API listen address")
	pflag.String("pprof_host", "", "pprof listen address, empty to disable")
	pflag.Bool("log.production", false, "json logging")
	pflag.Parse()

	viper.SetConfigType("yaml")
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		panic(err)
	}
	if f := viper.GetString("config"); f != "" {
		viper.SetConfigFile(f)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath("./")
	}
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	log, _ := zap.NewDevelopment()
	if viper.GetBool("log.production") {
		log, _ = zap.NewProduction()
	}
	zap.ReplaceGlobals(log)
	defer log.Sync()

	err := viper.ReadInConfig()
	if err != nil {
		log.Sugar().Fatal("init config error:", err)
	}
	err = viper.Unmarshal(&DefConfig)
	if err != nil {
		log.Sugar().Fatal("init config unmarshal error:", err)
	}

	if DefConfig.PprofHost != "" {
		go func() {
			http.ListenAndServe(DefConfig.PprofHost, nil)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, DefConfig)
	if err != nil {
		log.Sugar().Fatal("init: ", err)
	}
	defer d.Close()

	if err := d.node.Start(ctx); err != nil {
		log.Sugar().Fatal("start: ", err)
	}

	api := newControlAPI(d.node, DefConfig.Secret, d.Logout)
	srv := &http.Server{Addr: DefConfig.Host, Handler: api.Handler()}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.Sugar().Info("Start:", DefConfig.Host)
	err = srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Sugar().Fatal("ListenAndServe: ", err)
	}
	log.Sugar().Info("close")
}
