package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanainplan/consultcall/internal/application/config"
	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/application/logger"
	"github.com/hanainplan/consultcall/internal/domain/call"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

var callFlags struct {
	room     string
	name     string
	duration time.Duration
	answer   bool
}

// callCmd звонок без control API: позвонить пользователю или ждать и принять входящий
var callCmd = &cobra.Command{
	Use:   "call [callee-id]",
	Short: "Place a call to callee-id, or with --answer wait for and accept one incoming call",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var callee signaling.UserID

		if !callFlags.answer {
			if len(args) != 1 {
				return errors.New("callee id is required unless --answer is set")
			}

			id, err := signaling.ParseUserID(args[0])
			if err != nil {
				return err
			}

			callee = id
		}

		return runCall(cmd.Context(), callee)
	},
}

func init() {
	callCmd.Flags().StringVar(&callFlags.room, "room", "", "room id, generated when empty")
	callCmd.Flags().StringVar(&callFlags.name, "name", "", "callee display name")
	callCmd.Flags().DurationVar(&callFlags.duration, "duration", 0, "hang up after this long in call, 0 waits for Ctrl-C")
	callCmd.Flags().BoolVar(&callFlags.answer, "answer", false, "wait for an incoming call and accept it")

	rootCmd.AddCommand(callCmd)
}

func runCall(parent context.Context, callee signaling.UserID) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt)
	defer cancel()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	logger.Setup(cfg.Debug)

	c, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer c.stop()
	defer stopRun()

	ended := make(chan struct{})
	inCall := make(chan struct{})
	incoming := make(chan signaling.CallRequestMessage, 1)
	failed := make(chan error, 1)

	var (
		active              bool
		inCallOnce, endOnce sync.Once
	)

	// команда обслуживает один звонок
	c.machine.OnStateChange(func(s *call.State) {
		fmt.Printf("phase=%s room=%s connected=%v\n", s.Phase, s.RoomID, s.IsConnected)

		switch {
		case s.Idle():
			if active {
				endOnce.Do(func() { close(ended) })
			}
		case s.Phase == call.PhaseInCall:
			active = true
			inCallOnce.Do(func() { close(inCall) })
		default:
			active = true
		}
	})
	c.machine.OnError(func(err error) {
		slog.Warn("call error", slog.String(constant.Kind, string(call.KindOf(err))), slog.Any(constant.Error, err))

		var ce *call.Error
		if errors.As(err, &ce) && (ce.Fatal() || ce.Kind == call.KindCallRejected) {
			select {
			case failed <- err:
			default:
			}
		}
	})
	c.machine.OnIncomingCall(func(msg signaling.CallRequestMessage) {
		select {
		case incoming <- msg:
		default:
		}
	})

	c.start(runCtx)

	if err = c.connect(ctx); err != nil {
		return err
	}

	if callFlags.answer {
		select {
		case msg := <-incoming:
			fmt.Printf("incoming call from %s (%s) in room %s\n", msg.CallerID, msg.CallerName, msg.RoomID)
		case <-ctx.Done():
			return nil
		}

		if err = c.machine.AcceptCall(ctx); err != nil {
			return err
		}
	} else {
		roomID, err := c.machine.StartCall(ctx, callFlags.room, callee, callFlags.name)
		if err != nil {
			return err
		}

		fmt.Printf("calling %s in room %s\n", callee, roomID)
	}

	select {
	case <-inCall:
	case <-ended:
		fmt.Println("call ended before it was established")
		return nil
	case err = <-failed:
		return err
	case <-ctx.Done():
		return c.machine.EndCall(context.Background())
	}

	var hangup <-chan time.Time
	if callFlags.duration > 0 {
		hangup = time.After(callFlags.duration)
	}

	select {
	case <-ended:
		fmt.Println("call ended by peer")
		return nil
	case err = <-failed:
		return err
	case <-hangup:
	case <-ctx.Done():
	}

	return c.machine.EndCall(context.Background())
}
