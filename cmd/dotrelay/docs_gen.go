package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/dotrelay/pkg/config"
	"github.com/dotsetgreg/dotrelay/pkg/health"
	"github.com/dotsetgreg/dotrelay/pkg/providers"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Write the CLI, config, and control surface references",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if the references on disk are stale")

	docs := &cobra.Command{Use: "docs", Short: "Reference docs maintenance", Hidden: true}
	docs.AddCommand(gen)
	return docs
}

// generateDocumentation writes every reference page under outputDir, or with
// checkOnly reports the pages whose content on disk differs.
func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	pages, err := referencePages(rootFactory())
	if err != nil {
		return err
	}
	names := make([]string, 0, len(pages))
	for rel := range pages {
		names = append(names, rel)
	}
	sort.Strings(names)

	var stale []string
	for _, rel := range names {
		path := filepath.Join(outputDir, rel)
		if checkOnly {
			if got, err := os.ReadFile(path); err != nil || string(got) != pages[rel] {
				stale = append(stale, rel)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(pages[rel]), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	if len(stale) > 0 {
		return fmt.Errorf("docs out of date: %s; run `dotrelay docs generate`", strings.Join(stale, ", "))
	}
	return nil
}

func referencePages(root *cobra.Command) (map[string]string, error) {
	cli, err := cliReference(root)
	if err != nil {
		return nil, err
	}
	cfg, err := configReference()
	if err != nil {
		return nil, err
	}
	control, err := controlReference()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		filepath.Join("reference", "cli.md"):     cli,
		filepath.Join("reference", "config.md"):  cfg,
		filepath.Join("reference", "control.md"): control,
	}, nil
}

// cliReference renders the root and every visible subcommand on one page.
func cliReference(root *cobra.Command) (string, error) {
	var b bytes.Buffer
	b.WriteString("# CLI Reference\n\n")
	anchor := func(name string) string {
		return "#" + strings.ReplaceAll(strings.TrimSuffix(name, ".md"), "_", "-")
	}
	cmds := append([]*cobra.Command{root}, root.Commands()...)
	for _, cmd := range cmds {
		if cmd.Hidden || cmd.Name() == "help" {
			continue
		}
		cmd.DisableAutoGenTag = true
		if err := cobraDoc.GenMarkdownCustom(cmd, &b, anchor); err != nil {
			return "", fmt.Errorf("render %s: %w", cmd.CommandPath(), err)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

type configRow struct {
	key, kind, env, def string
}

func configReference() (string, error) {
	defaults, err := configDefaults()
	if err != nil {
		return "", err
	}
	var rows []configRow
	walkConfig(reflect.TypeOf(config.Config{}), "", func(key string, f reflect.StructField) {
		rows = append(rows, configRow{
			key:  key,
			kind: typeName(f.Type),
			env:  f.Tag.Get("env"),
			def:  defaults[key],
		})
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Keys of `~/.dotrelay/config.json`. Environment variables override the file.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n| --- | --- | --- | --- |\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n", r.key, r.kind, valueOr(r.env, "-"), escapePipes(valueOr(r.def, "-")))
	}
	b.WriteString("\n## Providers\n\n`agents.defaults.provider` selects one of:\n\n")
	for _, name := range providers.SupportedProviders() {
		fmt.Fprintf(&b, "- `%s`, configured under `providers.%s`\n", name, name)
	}
	return b.String(), nil
}

// walkConfig calls leaf for every non-struct field reachable through json
// tagged fields, with its dotted json key.
func walkConfig(t reflect.Type, prefix string, leaf func(key string, f reflect.StructField)) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			walkConfig(f.Type, name, leaf)
			continue
		}
		leaf(name, f)
	}
}

// configDefaults flattens config.DefaultConfig() to dotted keys with JSON
// encoded values.
func configDefaults() (map[string]string, error) {
	data, err := json.Marshal(config.DefaultConfig())
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	out := map[string]string{}
	var flatten func(prefix string, v any)
	flatten = func(prefix string, v any) {
		if m, ok := v.(map[string]any); ok {
			for k, child := range m {
				if prefix != "" {
					k = prefix + "." + k
				}
				flatten(k, child)
			}
			return
		}
		encoded, _ := json.Marshal(v)
		out[prefix] = string(encoded)
	}
	flatten("", tree)
	return out, nil
}

func typeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Slice:
		return "array<" + typeName(t.Elem()) + ">"
	case reflect.Map:
		return "map<" + typeName(t.Key()) + "," + typeName(t.Elem()) + ">"
	}
	return t.Kind().String()
}

var controlRouteNotes = map[string]string{
	"GET /health":        "Liveness and uptime.",
	"GET /ready":         "Runs readiness checks (store, transport). 503 when any fails.",
	"GET /metrics":       "Prometheus metrics.",
	"GET /poller/":       "Poller state, source, and cursor.",
	"PUT /poller/":       "Body `{\"running\": true|false}` starts or stops the poller.",
	"POST /poller/start": "Starts the poller. No-op when running, 409 while the previous run is still stopping.",
	"POST /poller/stop":  "Requests a stop after the in-flight batch. No-op when stopped.",
}

func controlReference() (string, error) {
	routes, ok := health.NewServer("127.0.0.1", 0, nil, nil).Handler().(chi.Routes)
	if !ok {
		return "", fmt.Errorf("control surface router does not expose routes")
	}
	var lines []string
	err := chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		note := valueOr(controlRouteNotes[method+" "+route], "-")
		lines = append(lines, fmt.Sprintf("| `%s` | `%s` | %s |", route, method, escapePipes(note)))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk control routes: %w", err)
	}
	sort.Strings(lines)

	return "# Control Surface Reference\n\n" +
		"Served on `gateway.host:gateway.port` while `dotrelay gateway` runs.\n\n" +
		"| Path | Method | Description |\n| --- | --- | --- |\n" +
		strings.Join(lines, "\n") + "\n", nil
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
