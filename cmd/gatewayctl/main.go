package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"querygate/internal/bootstrap"
	"querygate/internal/filter"
	"querygate/internal/gateway"
	"querygate/internal/vault"
	"querygate/pkg/config"
	"querygate/pkg/logger"
	"querygate/pkg/tenants"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Operator tooling for querygate (vault keys, secrets, query parsing, ad-hoc queries)",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(os.Stderr)

	var masterKey string
	root.PersistentFlags().StringVar(&masterKey, "key", os.Getenv("VAULT_MASTER_KEY"), "vault master key (env VAULT_MASTER_KEY)")

	openVault := func() (*vault.Vault, error) {
		if strings.TrimSpace(masterKey) == "" {
			return nil, fmt.Errorf("missing master key (flag --key or env VAULT_MASTER_KEY)")
		}
		key, err := vault.ParseKey(masterKey)
		if err != nil {
			return nil, err
		}
		return vault.NewWithKey(key)
	}

	root.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate a new base64 vault master key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), k)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "encrypt [plaintext]",
		Short: "Seal a secret for a seed file (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			plain, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			sealed, err := v.Encrypt(plain)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "decrypt [sealed]",
		Short: "Open a sealed secret",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			sealed, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			plain, err := v.Decrypt(sealed)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), plain)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Hash a service-account secret key for the identities section of a seed file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			h, err := tenants.HashSecret(tenants.DefaultHashParams, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	})

	var parseFlat bool
	parseCmd := &cobra.Command{
		Use:   "parse <query>",
		Short: "Show how a SQL-like query is split into filter conditions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if parseFlat {
				return printJSON(cmd.OutOrStdout(), filter.ParseSQL(args[0]))
			}
			conds, dirs, warns := filter.ParseQuery(args[0])
			ws := make([]string, 0, len(warns))
			for _, w := range warns {
				ws = append(ws, w.String())
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"conditions": filter.GenerateIONFilters(conds),
				"directives": dirs,
				"warnings":   ws,
			})
		},
	}
	parseCmd.Flags().BoolVar(&parseFlat, "params", false, "print the flat parameter map instead")
	root.AddCommand(parseCmd)

	var q gateway.Request
	var timeout time.Duration
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Run one query in-process using the service configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log := logger.New(cfg.Env, cfg.LogLevel)
			defer func() { _ = log.Sync() }()
			if masterKey != "" {
				cfg.VaultMasterKey = masterKey
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			comps, err := bootstrap.Build(ctx, cfg, nil, log.Desugar().WithOptions(zap.IncreaseLevel(zap.WarnLevel)).Sugar())
			if err != nil {
				return err
			}
			defer comps.Close()
			res := comps.Dispatcher.Execute(ctx, q)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
			}
			return nil
		},
	}
	f := queryCmd.Flags()
	f.StringVar(&q.Tenant, "tenant", "", "tenant name")
	f.StringVar(&q.Table, "table", "", "business object / table")
	f.StringVar(&q.Protocol, "protocol", "rest", "soap|rest|odata")
	f.StringVar(&q.Action, "action", "", "SOAP action (default List)")
	f.StringVarP(&q.Query, "query", "q", "", "SQL-like query text")
	f.StringVar(&q.ODataService, "service", "", "OData service name")
	f.StringVar(&q.EntityName, "entity", "", "OData entity set")
	f.StringVar(&q.RecordsPath, "records-path", "", "JMESPath to the record array")
	f.IntVar(&q.Limit, "limit", 0, "maximum records")
	f.IntVar(&q.Offset, "offset", 0, "records to skip")
	f.BoolVar(&q.IncludeRaw, "raw", false, "include the raw upstream body")
	f.DurationVar(&timeout, "timeout", 60*time.Second, "overall deadline")
	_ = queryCmd.MarkFlagRequired("tenant")
	root.AddCommand(queryCmd)

	return root
}

func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("no input")
	}
	return line, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
