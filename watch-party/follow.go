package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/syncflix/watch-party/follower"
)

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Join a room with a headless player that stays in sync",
	Long: `follow joins a room and keeps a virtual player in step with it.
Lines on stdin are sent as chat; /load <id>, /play and /pause drive playback.`,
	RunE: runFollow,
}

var (
	flagFollowURL      string
	flagFollowRoom     string
	flagFollowUsername string
	flagAutoSeen       bool
	flagDriftThreshold float64
)

func init() {
	flags := followCmd.Flags()
	flags.StringVar(&flagFollowURL, "url", "ws://127.0.0.1:8080/ws", "websocket endpoint of a syncflix server")
	flags.StringVar(&flagFollowRoom, "room", "", "room code to join")
	flags.StringVar(&flagFollowUsername, "username", "follower", "display name")
	flags.BoolVar(&flagAutoSeen, "auto-seen", true, "mark every received message as seen")
	flags.Float64Var(&flagDriftThreshold, "drift-threshold", follower.DefaultDriftThreshold, "seconds of unexplained movement reported as a seek")
	_ = followCmd.MarkFlagRequired("room")
}

func runFollow(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	player := follower.NewVirtualPlayer(nil)
	f, err := follower.Dial(ctx, follower.Config{
		URL:            flagFollowURL,
		Room:           flagFollowRoom,
		Username:       flagFollowUsername,
		DriftThreshold: flagDriftThreshold,
		AutoSeen:       flagAutoSeen,
	}, player)
	if err != nil {
		return err
	}
	log.Info().Str("room", flagFollowRoom).Str("url", flagFollowURL).Msg("[syncflix] following")

	go readCommands(ctx, cmd.InOrStdin(), f)
	if err := f.Run(ctx); err != nil {
		return fmt.Errorf("follow %s: %w", flagFollowRoom, err)
	}
	return nil
}

func readCommands(ctx context.Context, in io.Reader, f *follower.Follower) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/play":
			f.Play()
		case line == "/pause":
			f.Pause()
		case strings.HasPrefix(line, "/load "):
			f.LoadVideo(strings.TrimSpace(strings.TrimPrefix(line, "/load ")))
		default:
			f.Say(line)
		}
	}
}
