package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hellofed/internal/delivery"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

func newDeliverCmd(g *globalFlags) *cobra.Command {
	var (
		file    string
		inbox   string
		actor   string
		targets []string
	)
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Entrega firmada (sin cola) de una actividad JSON",
		Example: `  hellofed deliver -f note.json --inbox https://remote.example/inbox
  hellofed deliver -f note.json --to https://a.example/users/x --to https://b.example/users/y`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set := 0
			for _, v := range []bool{inbox != "", actor != "", len(targets) > 0} {
				if v {
					set++
				}
			}
			if set != 1 {
				return fmt.Errorf("usar exactamente uno de --inbox, --actor o --to")
			}

			activity, err := readActivity(file)
			if err != nil {
				return err
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			log := logger.L()

			km, err := newKeyManager(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer km.Close()
			eng, dc, err := newEngine(cmd.Context(), cfg, km, log, nil)
			if err != nil {
				return err
			}
			defer dc.Close()

			var res *delivery.Result
			switch {
			case inbox != "":
				res = eng.DeliverToInbox(cmd.Context(), activity, inbox)
			case actor != "":
				res = eng.DeliverToActor(cmd.Context(), activity, actor)
			default:
				res = eng.DeliverToSharedInbox(cmd.Context(), activity, targets)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(res)
			if !res.Delivered() {
				return fmt.Errorf("delivery failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "actividad JSON (- para stdin)")
	cmd.Flags().StringVar(&inbox, "inbox", "", "URL del inbox destino")
	cmd.Flags().StringVar(&actor, "actor", "", "id del actor destino (se resuelve su inbox)")
	cmd.Flags().StringArrayVar(&targets, "to", nil, "actores destino (fan-out por shared inbox)")
	return cmd
}

func readActivity(path string) (json.RawMessage, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%s: JSON inválido", path)
	}
	return json.RawMessage(b), nil
}
