package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/life-stream-dev/life-stream-audio-center/internal/device"
	"github.com/life-stream-dev/life-stream-audio-center/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
)

// Client verbs.
const (
	VerbRegister    = packet.VerbRegister
	VerbUpload      = "upload"
	VerbUploadChunk = packet.VerbUploadChunk
	VerbResponse    = packet.VerbResponse
	VerbPing        = "ping"
	VerbJoin        = "join"
	VerbLeave       = "leave"
	VerbPublish     = "publish"
	VerbDisconnect  = "disconnect"
)

// Texts devices match on.
const (
	TextRegistered    = "Registered"
	TextReadyForChunk = "Ready to receive chunks"
	TextUploaded      = "File uploaded"
	TextUploadFailed  = "File upload failed"
)

var errClientDisconnect = errors.New("client requested disconnect")

func (ctx *Context) handlers() map[string]dispatcher.HandlerFunc {
	return map[string]dispatcher.HandlerFunc{
		VerbRegister:    ctx.handleRegister,
		VerbUpload:      ctx.handleUpload,
		VerbUploadChunk: ctx.handleUploadChunk,
		VerbResponse:    ctx.handleResponse,
		VerbPing:        ctx.handlePing,
		VerbJoin:        ctx.handleJoin,
		VerbLeave:       ctx.handleLeave,
		VerbPublish:     ctx.handlePublish,
		VerbDisconnect:  ctx.handleDisconnect,
	}
}

func (ctx *Context) reply(sessionID, subtype string, data map[string]any) error {
	return ctx.Dispatcher.Reply(sessionID, packet.NewResponse(sessionID, subtype, data))
}

// replyText answers with a bare text Response.
func (ctx *Context) replyText(sessionID, text string) error {
	return ctx.Dispatcher.Reply(sessionID, packet.NewTextResponse(sessionID, text))
}

func (ctx *Context) handleRegister(c context.Context, cmd packet.Command) error {
	conn, err := ctx.Registry.Lookup(cmd.SessionID)
	if err != nil {
		return err
	}
	dev, _, err := ctx.Devices.Register(c, conn, cmd.Payload)
	if err != nil {
		return err
	}
	logger.DebugF("[%s] Registered as %s", cmd.SessionID, dev.Name)
	return ctx.replyText(cmd.SessionID, TextRegistered)
}

func (ctx *Context) handleUpload(_ context.Context, cmd packet.Command) error {
	filename := packet.GetString(cmd.Payload, "filepath", "")
	chunks, err := packet.GetInt64(cmd.Payload, "chunks")
	if err != nil {
		return dispatcher.Fail(cmd.Verb, "invalid chunks: %v", err)
	}
	length, err := packet.GetInt64(cmd.Payload, "length")
	if err != nil {
		return dispatcher.Fail(cmd.Verb, "invalid length: %v", err)
	}
	if _, err := ctx.Devices.StartUpload(cmd.SessionID, filename, chunks, length); err != nil {
		return dispatcher.NewCommandError(cmd.Verb, "", err)
	}
	return ctx.replyText(cmd.SessionID, TextReadyForChunk)
}

func (ctx *Context) handleUploadChunk(_ context.Context, cmd packet.Command) error {
	progress, err := ctx.Uploads.WriteChunk(cmd.SessionID, cmd.Raw)
	if progress == nil {
		if err != nil {
			return dispatcher.NewCommandError(cmd.Verb, "", err)
		}
		return nil
	}
	switch progress.Status {
	case device.Finished:
		logger.InfoF("[%s] Upload finished: %s", cmd.SessionID, progress.LocalPath)
		return ctx.replyText(cmd.SessionID, TextUploaded)
	case device.Failed:
		logger.WarnF("[%s] Upload failed: %v", cmd.SessionID, err)
		return ctx.replyText(cmd.SessionID, TextUploadFailed)
	}
	return nil
}

func (ctx *Context) handleResponse(_ context.Context, cmd packet.Command) error {
	text := packet.GetString(cmd.Payload, "text", "")
	if text == "" {
		text = fmt.Sprintf("%s %v", packet.GetString(cmd.Payload, "subtype", ""), withoutKey(cmd.Payload, "subtype"))
	}
	ctx.emitResponse(cmd.SessionID, text)
	return nil
}

func withoutKey(data map[string]any, key string) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k != key {
			out[k] = v
		}
	}
	return out
}

func (ctx *Context) handlePing(_ context.Context, cmd packet.Command) error {
	return ctx.reply(cmd.SessionID, "pong", map[string]any{"timestamp": time.Now().UnixMilli()})
}

func (ctx *Context) handleJoin(_ context.Context, cmd packet.Command) error {
	group := packet.GetString(cmd.Payload, "group", "")
	if group == "" {
		return dispatcher.Fail(cmd.Verb, "group is empty")
	}
	if err := ctx.Registry.JoinGroup(cmd.SessionID, group); err != nil {
		return err
	}
	return ctx.reply(cmd.SessionID, "joined", map[string]any{"group": group})
}

func (ctx *Context) handleLeave(_ context.Context, cmd packet.Command) error {
	group := packet.GetString(cmd.Payload, "group", "")
	if group == "" {
		return dispatcher.Fail(cmd.Verb, "group is empty")
	}
	if err := ctx.Registry.LeaveGroup(cmd.SessionID, group); err != nil {
		return err
	}
	return ctx.reply(cmd.SessionID, "left", map[string]any{"group": group})
}

func (ctx *Context) handlePublish(_ context.Context, cmd packet.Command) error {
	group := packet.GetString(cmd.Payload, "group", "")
	subtype := packet.GetString(cmd.Payload, "subtype", "")
	if group == "" || subtype == "" {
		return dispatcher.Fail(cmd.Verb, "group and subtype are required")
	}
	data, _ := cmd.Payload["data"].(map[string]any)
	data = maps.Clone(data)
	if data == nil {
		data = map[string]any{}
	}
	data["from"] = cmd.SessionID

	report, err := ctx.Broadcast.Publish(packet.NewEvent(packet.ToGroup(group), protocol.Notification, subtype, data))
	if err != nil && report == nil {
		return err
	}
	return ctx.reply(cmd.SessionID, "published", map[string]any{
		"group":     group,
		"delivered": len(report.Delivered),
		"failed":    len(report.Failed),
	})
}

func (ctx *Context) handleDisconnect(_ context.Context, cmd packet.Command) error {
	if err := ctx.reply(cmd.SessionID, "bye", nil); err != nil {
		return err
	}
	// 不能在 mailbox worker 中等待自身的排空
	go func() {
		if err := ctx.Dispatcher.Disconnect(cmd.SessionID, errClientDisconnect); err != nil {
			logger.DebugF("[%s] %v", cmd.SessionID, err)
		}
	}()
	return nil
}
