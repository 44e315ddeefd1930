package main

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-audio-center/internal/api"
	"github.com/life-stream-dev/life-stream-audio-center/internal/app"
	"github.com/life-stream-dev/life-stream-audio-center/internal/config"
	"github.com/life-stream-dev/life-stream-audio-center/internal/database"
	"github.com/life-stream-dev/life-stream-audio-center/internal/event"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/server"
	"github.com/life-stream-dev/life-stream-audio-center/internal/shell"
)

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			logger.Warn(err.Error())
			return
		}
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.InitWith(cfg.LogPath, cfg.DebugMode)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	var directory database.Directory
	if cfg.Database.Enabled {
		mongo, err := database.Connect(context.Background(), cfg.Database, cfg.AppName)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return
		}
		cleaner.Add(mongo)
		directory = database.NewMongoDirectory(mongo)
	}

	ctx, err := app.New(&cfg, directory)
	if err != nil {
		logger.FatalF("Error occured while initializing application, details: %v", err)
		return
	}
	tcp := server.New(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	if cfg.Http.Enabled {
		httpServer := api.NewServer(ctx, tcp)
		cleaner.Add(httpServer)
		group.Go(httpServer.ListenAndServe)
	}

	// 清理顺序与添加顺序相反: 先停监听, 再关会话
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		return ctx.Shutdown(cfg.Server.Drain())
	}))
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		if err := tcp.Stop(cfg.Server.Drain()); err != nil && !errors.Is(err, server.ErrServerNotRunning) {
			return err
		}
		return nil
	}))

	if cfg.Server.AutoStart {
		if err := tcp.Start(); err != nil {
			logger.FatalF("Error occured while starting server, details: %v", err)
			return
		}
	}

	if cfg.Shell {
		sh := shell.New(ctx, tcp, os.Stdin, os.Stdout)
		group.Go(func() error {
			err := sh.Run(groupCtx)
			sh.Wait()
			switch {
			case errors.Is(err, shell.ErrExit):
				cancel()
				return nil
			case err != nil:
				return err
			}
			logger.Info("Standard input closed, shell disabled")
			return nil
		})
	}

	group.Go(func() error {
		select {
		case <-groupCtx.Done():
		case <-cleaner.Done():
			return nil
		}
		cleaner.Clean()
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.ErrorF("Audio Center exited with error: %v", err)
	}
}
