package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/w2d/pkg/statestore"
)

var stateCommand = &cli.Command{
	Name:   "state",
	Usage:  "Inspect or reset the saved room bindings",
	Before: prepareApp,
	Subcommands: []*cli.Command{
		{
			Name:   "show",
			Usage:  "Print the saved rooms and chats",
			Action: cmdStateShow,
		},
		{
			Name:  "reset",
			Usage: "Forget all rooms and chats so the next start recreates them",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    "yes",
					Aliases: []string{"y"},
					Usage:   "Don't ask for confirmation",
				},
			},
			Action: cmdStateReset,
		},
	},
}

func orNone(val string) string {
	if val == "" {
		return "(none)"
	}
	return val
}

func cmdStateShow(ctx *cli.Context) error {
	store, state, err := openState(ctx.Context, getConfig(ctx))
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Version:      %s\n", orNone(state.Version))
	fmt.Printf("Guild:        %s\n", orNone(state.GuildID))
	fmt.Printf("QR room:      %s\n", orNone(state.QR.RoomID()))
	fmt.Printf("Commands:     %s\n", orNone(state.Commands.RoomID()))
	fmt.Printf("Audio:        %s\n", orNone(state.Audio.RoomID()))
	fmt.Printf("Audio editor: %s\n", orNone(state.AudioEditor.RoomID()))
	fmt.Printf("Chat folder:  %s\n", orNone(state.Chats.FleetRoomID()))
	bindings := state.Chats.Bindings()
	fmt.Printf("\n%d bridged chats:\n", len(bindings))
	for _, binding := range bindings {
		synced := "never"
		if ts := binding.LastSynced(); ts > 0 {
			synced = time.UnixMilli(ts).Format(time.DateTime)
		}
		fmt.Printf("  %-40s room=%-20s synced=%s messages=%d\n",
			binding.ChatID, orNone(binding.RoomID()), synced, binding.LedgerSize())
	}
	return nil
}

func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func cmdStateReset(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	if !ctx.Bool("yes") && !confirm("This forgets every bridged room. Existing Discord rooms are left in place. Continue?") {
		return fmt.Errorf("aborted")
	}
	switch cfg.State.Backend {
	case "sqlite":
		db, err := statestore.OpenSQLite(ctx.Context, cfg.WhatsApp.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err = db.Reset(ctx.Context); err != nil {
			return fmt.Errorf("failed to reset state: %w", err)
		}
	default:
		if err := statestore.NewJSONFile(cfg.State.Path).Remove(); err != nil {
			return fmt.Errorf("failed to remove %s: %w", cfg.State.Path, err)
		}
	}
	fmt.Println("State reset")
	return nil
}
