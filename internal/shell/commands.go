package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/life-stream-dev/life-stream-audio-center/internal/broadcast"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
	"github.com/life-stream-dev/life-stream-audio-center/internal/remote"
	"github.com/life-stream-dev/life-stream-audio-center/internal/utils"
)

var errKicked = errors.New("kicked by operator")

func deviceFlag(required bool, value string) *cli.StringFlag {
	return &cli.StringFlag{Name: "device", Aliases: []string{"d"}, Required: required, Value: value, Usage: "device id, or ALL"}
}

// command builds a fresh command tree. cli commands keep parsed state, so a
// tree is never reused across lines.
func (s *Shell) command() *cli.Command {
	return &cli.Command{
		Name:            "audio-center",
		Usage:           "audio center operator shell",
		Writer:          s.helper.Writer(),
		ErrWriter:       s.helper.Writer(),
		HideVersion:     true,
		ExitErrHandler:  func(context.Context, *cli.Command, error) {},
		Action: func(_ context.Context, cmd *cli.Command) error {
			return fmt.Errorf("unknown command %q, type 'help' for commands", cmd.Args().First())
		},
		Commands: []*cli.Command{
			s.serverCommand(),
			s.deviceCommand(),
			s.sessionCommand(),
			s.experimentCommand(),
			s.groupCommand(),
			s.broadcastCommand(),
			s.audioCommand(),
			s.recordCommand(),
			{
				Name:  "exit",
				Usage: "leave the shell and stop the server",
				Action: func(context.Context, *cli.Command) error {
					return ErrExit
				},
			},
		},
	}
}

func (s *Shell) serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "device listener commands",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "start the device listener",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: s.ctx.Config.Server.Port},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					address := fmt.Sprintf("%s:%d", s.ctx.Config.Server.Host, cmd.Int("port"))
					if err := s.tcp.StartAt(address); err != nil {
						return err
					}
					s.helper.Success("Server started on %s", s.tcp.Addr())
					return nil
				},
			},
			{
				Name:  "stop",
				Usage: "stop the device listener and disconnect TCP devices",
				Action: func(context.Context, *cli.Command) error {
					if err := s.tcp.Stop(s.ctx.Config.Server.Drain()); err != nil {
						return err
					}
					s.helper.Success("Server stopped")
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "show listener and session counts",
				Action: func(context.Context, *cli.Command) error {
					if addr := s.tcp.Addr(); addr != nil {
						s.helper.Success("Server running on %s", addr)
					} else {
						s.helper.Warning("Server not started")
					}
					s.helper.Print("Sessions: %d, devices: %d, uptime: %s",
						s.ctx.Registry.Len(), s.ctx.Devices.Len(), time.Since(s.ctx.StartedAt).Round(time.Second))
					return nil
				},
			},
		},
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (s *Shell) deviceCommand() *cli.Command {
	return &cli.Command{
		Name:  "device",
		Usage: "device commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list all devices",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "detail", Aliases: []string{"l"}},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					devices := s.ctx.Devices.List()
					if len(devices) == 0 {
						s.helper.Warning("No devices found")
						return nil
					}
					s.helper.Print("--------- Devices ----------")
					for _, dev := range devices {
						s.helper.Print("[R:%s, P:%s] %s %s", onOff(dev.Capture), onOff(dev.Playback), dev.ID, dev.Name)
						if cmd.Bool("detail") {
							s.helper.Print("\tTransport:\t\t%s", dev.Transport)
							s.helper.Print("\tLocal Address:\t\t%s", dev.LocalAddr)
							s.helper.Print("\tRemote Address:\t\t%s", dev.RemoteAddr)
							for key, value := range dev.Extra {
								s.helper.Print("\t%s:\t\t%v", key, value)
							}
						}
					}
					s.helper.Print("----------------------------")
					return nil
				},
			},
			{
				Name:  "function",
				Usage: "enable or disable a device's functions",
				Flags: []cli.Flag{
					deviceFlag(true, ""),
					&cli.StringFlag{Name: "capability", Aliases: []string{"c"}, Required: true, Usage: "capture|playback|all"},
					&cli.StringFlag{Name: "enable", Aliases: []string{"e"}, Value: "on", Usage: "on|off"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					capability, action := cmd.String("capability"), cmd.String("enable")
					if err := s.ctx.Devices.UpdateFunction(ctx, cmd.String("device"), capability, action); err != nil {
						return fmt.Errorf("device function update failed: %w", err)
					}
					s.helper.Success("Device function: %s -> %s", capability, action)
					return nil
				},
			},
			{
				Name:  "known",
				Usage: "list every device the directory remembers",
				Action: func(ctx context.Context, _ *cli.Command) error {
					records, err := s.ctx.Devices.Known(ctx)
					if err != nil {
						return err
					}
					if len(records) == 0 {
						s.helper.Warning("No known devices")
						return nil
					}
					for _, record := range records {
						online := "offline"
						if s.ctx.Devices.Has(record.ID) {
							online = "online"
						}
						s.helper.Print("[R:%s, P:%s] %s %s %s last seen %s", onOff(record.Capture), onOff(record.Playback),
							record.ID, record.Name, online, record.UpdatedAt.Format(time.DateTime))
					}
					return nil
				},
			},
			{
				Name:  "forget",
				Usage: "remove an offline device from the directory",
				Flags: []cli.Flag{deviceFlag(true, "")},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := s.ctx.Devices.Forget(ctx, cmd.String("device")); err != nil {
						return err
					}
					s.helper.Success("Device %s forgotten", cmd.String("device"))
					return nil
				},
			},
		},
	}
}

func (s *Shell) sessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "connection session commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list live sessions",
				Action: func(ctx context.Context, _ *cli.Command) error {
					conns := s.ctx.Registry.Snapshot()
					if len(conns) == 0 {
						s.helper.Warning("No sessions")
						return nil
					}
					for _, conn := range conns {
						session := conn.Session()
						s.helper.Print("%s (%s) %-11s %-3s %s groups=%v idle=%s", conn.ID(), s.ctx.Devices.NameOf(ctx, conn.ID()),
							session.State(), conn.Kind(), conn.RemoteAddr(), session.Groups(),
							time.Since(session.LastActivity()).Round(time.Second))
					}
					return nil
				},
			},
			{
				Name:  "kick",
				Usage: "gracefully disconnect a session",
				Flags: []cli.Flag{deviceFlag(true, "")},
				Action: func(_ context.Context, cmd *cli.Command) error {
					id := cmd.String("device")
					if err := s.ctx.Dispatcher.Disconnect(id, errKicked); err != nil {
						return err
					}
					s.helper.Success("Session %s disconnected", id)
					return nil
				},
			},
		},
	}
}

func (s *Shell) experimentCommand() *cli.Command {
	return &cli.Command{
		Name:  "experiment",
		Usage: "experiment setup, uploads are filed under its key",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "create a new experiment",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					if err := s.ctx.Devices.SetExperiment(cmd.String("key")); err != nil {
						return err
					}
					s.helper.Success("Experiment created")
					return nil
				},
			},
			{
				Name:  "close",
				Usage: "clear the current experiment",
				Action: func(context.Context, *cli.Command) error {
					s.ctx.Devices.ClearExperiment()
					s.helper.Success("Experiment cleared")
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "show the current experiment",
				Action: func(context.Context, *cli.Command) error {
					s.helper.Print("Experiment: %s", s.ctx.Devices.Experiment())
					return nil
				},
			},
		},
	}
}

func (s *Shell) groupCommand() *cli.Command {
	groupFlag := &cli.StringFlag{Name: "group", Aliases: []string{"g"}, Required: true}
	return &cli.Command{
		Name:  "group",
		Usage: "session group commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list groups and their members",
				Action: func(context.Context, *cli.Command) error {
					groups := s.ctx.Registry.Groups()
					if len(groups) == 0 {
						s.helper.Warning("No groups")
						return nil
					}
					for _, name := range sortedKeys(groups) {
						s.helper.Print("%s (%d): %s", name, groups[name], strings.Join(s.ctx.Registry.Members(name), ", "))
					}
					return nil
				},
			},
			{
				Name:  "join",
				Usage: "add a session to a group",
				Flags: []cli.Flag{deviceFlag(true, ""), groupFlag},
				Action: func(_ context.Context, cmd *cli.Command) error {
					if err := s.ctx.Registry.JoinGroup(cmd.String("device"), cmd.String("group")); err != nil {
						return err
					}
					s.helper.Success("%s joined %s", cmd.String("device"), cmd.String("group"))
					return nil
				},
			},
			{
				Name:  "leave",
				Usage: "remove a session from a group",
				Flags: []cli.Flag{deviceFlag(true, ""), groupFlag},
				Action: func(_ context.Context, cmd *cli.Command) error {
					if err := s.ctx.Registry.LeaveGroup(cmd.String("device"), cmd.String("group")); err != nil {
						return err
					}
					s.helper.Success("%s left %s", cmd.String("device"), cmd.String("group"))
					return nil
				},
			},
		},
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func (s *Shell) broadcastCommand() *cli.Command {
	return &cli.Command{
		Name:  "broadcast",
		Usage: "send a notification to a group, or to every session with -g ALL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "group", Aliases: []string{"g"}, Value: remote.TargetAll},
			&cli.StringFlag{Name: "subtype", Aliases: []string{"s"}, Required: true},
			&cli.StringFlag{Name: "data", Aliases: []string{"j"}, Value: "{}", Usage: "JSON object"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			var data map[string]any
			if err := json.Unmarshal([]byte(cmd.String("data")), &data); err != nil {
				return fmt.Errorf("invalid data: %w", err)
			}
			target := packet.ToGroup(cmd.String("group"))
			if strings.EqualFold(cmd.String("group"), remote.TargetAll) {
				target = packet.ToAll()
			}
			report, err := s.ctx.Broadcast.Publish(packet.NewEvent(target, protocol.Notification, cmd.String("subtype"), data))
			if err != nil {
				return err
			}
			s.printReport(report)
			return nil
		},
	}
}

func (s *Shell) printReport(report *broadcast.DeliveryReport) {
	if len(report.Failed) == 0 {
		s.helper.Success("%s", report)
		return
	}
	s.helper.Warning("%s", report)
	for _, id := range report.FailedIDs() {
		s.helper.Warning("\t%s: %v", id, report.Failed[id])
	}
}

// checkDevice validates a device target. ALL needs at least one device.
func (s *Shell) checkDevice(id string) error {
	if strings.EqualFold(id, remote.TargetAll) {
		if s.ctx.Devices.Len() == 0 {
			return errors.New("no devices found")
		}
		return nil
	}
	if !s.ctx.Devices.Has(id) {
		return fmt.Errorf("device not found: %s", id)
	}
	return nil
}

func (s *Shell) audioCommand() *cli.Command {
	return &cli.Command{
		Name:  "audio",
		Usage: "remote audio commands",
		Commands: []*cli.Command{
			{
				Name:  "remote-list",
				Usage: "ask a device to list its audio files",
				Flags: []cli.Flag{deviceFlag(true, "")},
				Action: func(_ context.Context, cmd *cli.Command) error {
					return s.sendRemote(cmd.String("device"), func(id string) (*broadcast.DeliveryReport, error) {
						return s.ctx.Audio.List(id)
					})
				},
			},
			{
				Name:  "remote-delete",
				Usage: "delete an audio file on a device",
				Flags: []cli.Flag{
					deviceFlag(true, ""),
					&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					return s.sendRemote(cmd.String("device"), func(id string) (*broadcast.DeliveryReport, error) {
						return s.ctx.Audio.Delete(id, cmd.String("path"))
					})
				},
			},
			{
				Name:  "remote-upload",
				Usage: "push a local file, or every file of a directory, to devices",
				Flags: []cli.Flag{
					deviceFlag(true, ""),
					&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return s.remoteUpload(ctx, cmd.String("device"), cmd.String("path"))
				},
			},
			{
				Name:  "remote-play",
				Usage: "play audio on a device",
				Flags: []cli.Flag{
					deviceFlag(true, ""),
					&cli.StringFlag{Name: "input", Aliases: []string{"i"}},
					&cli.StringFlag{Name: "action", Aliases: []string{"a"}, Value: "start"},
					&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "music"},
					&cli.BoolFlag{Name: "loop", Aliases: []string{"l"}},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					opts := remote.PlaybackOptions{
						Action: cmd.String("action"),
						Mode:   cmd.String("mode"),
						Loop:   cmd.Bool("loop"),
						Input:  cmd.String("input"),
					}
					if strings.EqualFold(opts.Action, "start") && !utils.ValidFilename(opts.Input) {
						return fmt.Errorf("invalid input: %q", opts.Input)
					}
					id := cmd.String("device")
					if !strings.EqualFold(id, remote.TargetAll) {
						if dev, ok := s.ctx.Devices.Get(id); ok && !dev.Playback {
							return fmt.Errorf("playback is disabled for device: %s", id)
						}
					} else if len(s.ctx.Devices.PlaybackIDs()) == 0 {
						return errors.New("no device has playback enabled")
					}
					return s.sendRemote(id, func(id string) (*broadcast.DeliveryReport, error) {
						return s.ctx.Audio.Playback(id, opts)
					})
				},
			},
			{
				Name:  "remote-capture",
				Usage: "capture audio on devices",
				Flags: []cli.Flag{
					deviceFlag(false, remote.TargetAll),
					&cli.StringFlag{Name: "action", Aliases: []string{"a"}, Value: "start"},
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "output.wav"},
					&cli.IntFlag{Name: "duration", Aliases: []string{"t"}, Value: -1},
					&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "pro"},
					&cli.BoolFlag{Name: "process", Aliases: []string{"p"}},
					&cli.BoolFlag{Name: "forward", Aliases: []string{"f"}},
					&cli.BoolFlag{Name: "delete", Aliases: []string{"x"}},
					&cli.BoolFlag{Name: "ultrasonic", Aliases: []string{"u"}},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					opts := remote.CaptureOptions{
						Action:   cmd.String("action"),
						Mode:     cmd.String("mode"),
						Output:   cmd.String("output"),
						Duration: cmd.Int("duration"),
						Process:  cmd.Bool("process"),
						Forward:  cmd.Bool("forward"),
						Delete:   cmd.Bool("delete"),
						Ultra:    cmd.Bool("ultrasonic"),
					}
					if !utils.ValidFilename(opts.Output) {
						return fmt.Errorf("invalid output file name: %q", opts.Output)
					}
					if opts.Duration == 0 || opts.Duration < -1 {
						return fmt.Errorf("invalid duration: %d", opts.Duration)
					}
					id := cmd.String("device")
					if !strings.EqualFold(id, remote.TargetAll) {
						if dev, ok := s.ctx.Devices.Get(id); ok && !dev.Capture {
							return fmt.Errorf("capture is disabled for device: %s", id)
						}
					} else if len(s.ctx.Devices.CaptureIDs()) == 0 {
						return errors.New("no device has capture enabled")
					}
					return s.sendRemote(id, func(id string) (*broadcast.DeliveryReport, error) {
						return s.ctx.Audio.Capture(id, opts)
					})
				},
			},
		},
	}
}

func (s *Shell) sendRemote(id string, send func(id string) (*broadcast.DeliveryReport, error)) error {
	if err := s.checkDevice(id); err != nil {
		return err
	}
	report, err := send(id)
	if err != nil {
		return err
	}
	s.printReport(report)
	return nil
}

func (s *Shell) remoteUpload(ctx context.Context, id, path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file not found: %s", path)
	}
	if err := s.checkDevice(id); err != nil {
		return err
	}

	var files []string
	if stat.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Type().IsRegular() {
				files = append(files, filepath.Join(path, entry.Name()))
			}
		}
	} else {
		files = []string{path}
	}
	targets := []string{id}
	if strings.EqualFold(id, remote.TargetAll) {
		targets = s.ctx.Devices.IDs()
	}

	s.helper.Info("Uploading %d files to %d devices", len(files), len(targets))
	for _, target := range targets {
		s.uploads.Add(1)
		go func() {
			defer s.uploads.Done()
			for _, file := range files {
				if err := s.ctx.Audio.PushFile(context.WithoutCancel(ctx), target, file, nil); err != nil {
					s.helper.Error("%s: upload %s failed: %v", target, filepath.Base(file), err)
					return
				}
				s.helper.Success("%s: upload %s completed", target, filepath.Base(file))
			}
		}()
	}
	return nil
}

func (s *Shell) recordCommand() *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "synchronised recording on every device",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "start recording a scene",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "scene", Aliases: []string{"s"}, Required: true},
					&cli.IntFlag{Name: "duration", Aliases: []string{"t"}, Value: remote.DefaultRecordingDuration},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					status, err := s.ctx.Recorder.Start(cmd.String("scene"), 0, cmd.Int("duration"))
					if err != nil {
						return err
					}
					s.helper.Success("Recording %s started on %d devices", status.Scene, len(status.Devices))
					return nil
				},
			},
			{
				Name:  "stop",
				Usage: "stop the current recording",
				Action: func(context.Context, *cli.Command) error {
					status, err := s.ctx.Recorder.Stop()
					if err != nil {
						return err
					}
					s.helper.Success("Recording %s stopped", status.Scene)
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "show the recording state",
				Action: func(context.Context, *cli.Command) error {
					status := s.ctx.Recorder.Status()
					if !status.Recording {
						s.helper.Print("Not recording")
						return nil
					}
					s.helper.Print("Recording %s since %s on %v", status.Scene, status.StartedAt.Format(time.TimeOnly), status.Devices)
					return nil
				},
			},
		},
	}
}
