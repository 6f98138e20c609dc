package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/security/secretbox"
)

func newKeysCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Administra las claves de firma locales",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "Lista las claves vigentes (incluye las que están en overlap)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			km, err := newKeyManager(cmd.Context(), cfg, logger.L())
			if err != nil {
				return err
			}
			defer km.Close()

			type row struct {
				KeyID     string    `json:"key_id"`
				CreatedAt time.Time `json:"created_at"`
				ExpiresAt time.Time `json:"expires_at"`
				Active    bool      `json:"active"`
			}
			active, _ := km.ActiveKey()
			var rows []row
			for _, k := range km.Keys() {
				rows = append(rows, row{k.KeyID, k.CreatedAt, k.ExpiresAt, active != nil && active.KeyID == k.KeyID})
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY ID\tCREATED\tEXPIRES\tACTIVE")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", r.KeyID, r.CreatedAt.Format(time.RFC3339), r.ExpiresAt.Format(time.RFC3339), r.Active)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "salida JSON")

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Genera una clave nueva y archiva las que pasaron su overlap",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			km, err := newKeyManager(cmd.Context(), cfg, logger.L())
			if err != nil {
				return err
			}
			defer km.Close()
			k, err := km.RotateKeys(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("active key: %s (expires %s)\n", k.KeyID, k.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	genMaster := &cobra.Command{
		Use:   "gen-master-key",
		Short: "Genera una master key (base64, 32 bytes) para KEYS_MASTER_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := secretbox.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(k)
			return nil
		},
	}

	cmd.AddCommand(list, rotate, genMaster)
	return cmd
}
