// Package app 组装注册表, 分发器, 广播引擎与设备服务, 并绑定客户端命令
package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-audio-center/internal/broadcast"
	c "github.com/life-stream-dev/life-stream-audio-center/internal/config"
	"github.com/life-stream-dev/life-stream-audio-center/internal/connection"
	"github.com/life-stream-dev/life-stream-audio-center/internal/database"
	"github.com/life-stream-dev/life-stream-audio-center/internal/device"
	"github.com/life-stream-dev/life-stream-audio-center/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/remote"
)

// ResponseSink receives the text of device Response frames.
type ResponseSink func(sessionID, text string)

// Context is handed to every outer component: TCP server, HTTP API, shell.
type Context struct {
	Config     *c.Config
	Registry   *connection.Registry
	Dispatcher *dispatcher.Dispatcher
	Broadcast  *broadcast.Engine
	Devices    *device.Manager
	Uploads    *device.UploadManager
	Directory  database.Directory
	Audio      *remote.AudioService
	Recorder   *remote.Recorder
	StartedAt  time.Time

	sinkMu sync.RWMutex
	sink   ResponseSink
}

// New builds the core services. directory may be nil, in which case an
// in-memory directory is used.
func New(config *c.Config, directory database.Directory) (*Context, error) {
	if config == nil {
		return nil, errors.New("config is nil")
	}
	if directory == nil {
		directory = database.NewMemoryDirectory()
	}
	if config.Cache.Size > 0 {
		directory = database.NewCachedDirectory(directory, config.Cache.Size, config.Cache.Expire())
	}

	registry := connection.NewRegistry(connection.IDFuncFor(config.Server.IDStrategy))
	engine := broadcast.NewEngine(registry)
	uploads := device.NewUploadManager(config.Audio.BasePath)
	devices := device.NewManager(registry, directory, uploads)
	audio := remote.NewAudioService(registry, engine, config.Audio.ChunkSize, config.Server.MaxFrameSize)

	ctx := &Context{
		Config:     config,
		Registry:   registry,
		Dispatcher: dispatcher.New(registry, config.Server.Drain()),
		Broadcast:  engine,
		Devices:    devices,
		Uploads:    uploads,
		Directory:  directory,
		Audio:      audio,
		Recorder:   remote.NewRecorder(devices, audio),
		StartedAt:  time.Now(),
	}
	if err := ctx.bindHandlers(); err != nil {
		return nil, err
	}
	ctx.Dispatcher.OnDisconnect(func(conn *connection.Connection, _ error) {
		devices.Unregister(conn.ID())
	})
	return ctx, nil
}

func (ctx *Context) bindHandlers() error {
	for verb, handler := range ctx.handlers() {
		if err := ctx.Dispatcher.RegisterHandler(verb, handler); err != nil {
			return fmt.Errorf("bind %s: %w", verb, err)
		}
	}
	return nil
}

// SetResponseSink replaces where device responses are printed.
func (ctx *Context) SetResponseSink(sink ResponseSink) {
	ctx.sinkMu.Lock()
	ctx.sink = sink
	ctx.sinkMu.Unlock()
}

func (ctx *Context) emitResponse(sessionID, text string) {
	ctx.sinkMu.RLock()
	sink := ctx.sink
	ctx.sinkMu.RUnlock()
	if sink == nil {
		logger.InfoF("[%s] %s", sessionID, text)
		return
	}
	sink(sessionID, text)
}

// Shutdown closes every session through the dispatcher.
func (ctx *Context) Shutdown(timeout time.Duration) error {
	logger.Info("Closing all sessions")
	err := ctx.Dispatcher.Shutdown(timeout)
	if errors.Is(err, dispatcher.ErrDispatcherClosed) {
		return nil
	}
	return err
}
