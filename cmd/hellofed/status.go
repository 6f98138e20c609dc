package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// client habla con la API de operación de un serve en ejecución.
type client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-Admin-API-Key", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func printJSON(body []byte) {
	var v any
	if json.Unmarshal(body, &v) == nil {
		p, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(p))
		return
	}
	fmt.Println(string(body))
}

func newClient() *client {
	return &client{
		BaseURL: envOr("HELLOFED_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("ADMIN_API_KEY"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) flags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.BaseURL, "url", c.BaseURL, "URL base del serve (env HELLOFED_URL)")
	cmd.Flags().StringVar(&c.APIKey, "admin-api-key", c.APIKey, "API key (env ADMIN_API_KEY)")
}

func (c *client) check() error {
	if c.APIKey == "" {
		return fmt.Errorf("falta API key (flag --admin-api-key o env ADMIN_API_KEY)")
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	cl := newClient()
	cmd := &cobra.Command{
		Use:   "status <delivery-id>",
		Short: "Consulta el estado de una entrega encolada",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.check(); err != nil {
				return err
			}
			status, body, err := cl.do(http.MethodGet, "/v1/deliveries/"+args[0], nil)
			if err != nil {
				return err
			}
			printJSON(body)
			if status/100 != 2 {
				return fmt.Errorf("status=%d", status)
			}
			return nil
		},
	}
	cl.flags(cmd)
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	cl := newClient()
	var (
		file     string
		to       []string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Encola una actividad en un serve en ejecución",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.check(); err != nil {
				return err
			}
			if len(to) == 0 {
				return fmt.Errorf("falta --to")
			}
			activity, err := readActivity(file)
			if err != nil {
				return err
			}
			body, err := json.Marshal(map[string]any{
				"activity":   activity,
				"recipients": to,
				"priority":   priority,
			})
			if err != nil {
				return err
			}
			status, resp, err := cl.do(http.MethodPost, "/v1/deliveries", body)
			if err != nil {
				return err
			}
			printJSON(resp)
			if status/100 != 2 {
				return fmt.Errorf("status=%d", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "actividad JSON (- para stdin)")
	cmd.Flags().StringArrayVar(&to, "to", nil, "actores destino")
	cmd.Flags().IntVar(&priority, "priority", 0, "prioridad 0-9")
	cl.flags(cmd)
	return cmd
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
