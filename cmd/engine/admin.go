package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"futures_engine/internal/modules/storage"
	"futures_engine/internal/strategy"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print engine status from the admin endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, v, http.MethodGet, "/status")
		},
	}
}

func newForceEvalCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "force-eval",
		Short: "Evaluate all active strategies now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, v, http.MethodPost, "/force-evaluate")
		},
	}
}

// adminCall печатает тело ответа админки как есть.
func adminCall(cmd *cobra.Command, v *viper.Viper, method, path string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	url := strings.TrimRight(v.GetString("addr"), "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, url)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("%s %s: %s: %s", method, url, resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
	return nil
}

func newStrategyCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Manage stored strategies",
	}
	imp := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Insert or replace strategies from a JSON file (object or array)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := strategy.LoadFile(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			store, err := storage.NewStore(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			activate, _ := cmd.Flags().GetBool("activate")
			for _, s := range list {
				if activate {
					s.Active = true
				}
				if err := store.UpsertStrategy(cmd.Context(), s); err != nil {
					return errors.Wrapf(err, "import %s", s.ID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s) %s %s\n", s.ID, s.Name, s.Timeframe, strings.Join(s.Symbols, ","))
			}
			return nil
		},
	}
	imp.Flags().Bool("activate", true, "mark imported strategies active")
	cmd.AddCommand(imp)
	return cmd
}
