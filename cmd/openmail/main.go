// Command openmail is a small CLI over the openmail IMAP client core:
// list mailboxes, show mailbox status, search with pagination, and fetch
// messages.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luigi617/openmail/auth"
	"github.com/luigi617/openmail/imap"
	"github.com/luigi617/openmail/internal/logging"
	"github.com/luigi617/openmail/models"
)

type authConfig struct {
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	AccessToken string `yaml:"access_token"`
}

type config struct {
	Host           string     `yaml:"host"`
	Port           int        `yaml:"port"`
	SSL            *bool      `yaml:"ssl"`
	TimeoutSeconds int        `yaml:"timeout_seconds"`
	LogLevel       string     `yaml:"log_level"`
	Auth           authConfig `yaml:"auth"`
}

func loadConfig(path string) (*config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "openmail", "config.yaml")
	}
	return "openmail.yaml"
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: openmail [-config FILE] COMMAND [ARGS]

Commands:
  mailboxes                     list selectable mailboxes
  status MAILBOX                show mailbox status
  search MAILBOX [TEXT]         search newest-first, page by page
  overview MAILBOX UID...       fetch list-view summaries
  fetch MAILBOX UID             fetch a full decoded message
  ping                          check the connection
`)
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	pageSize := flag.Int("page-size", 20, "page size for search")
	pages := flag.Int("pages", 1, "number of pages to print for search")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	logging.Setup(logging.ConsoleWriter(), cfg.LogLevel)

	var authMethod auth.IMAPAuth
	switch {
	case cfg.Auth.AccessToken != "":
		authMethod = auth.OAuth2Auth{
			Username: cfg.Auth.Username,
			Tokens:   auth.StaticToken(cfg.Auth.AccessToken),
		}
	default:
		authMethod = auth.PasswordAuth{
			Username: cfg.Auth.Username,
			Password: cfg.Auth.Password,
		}
	}

	useSSL := true
	if cfg.SSL != nil {
		useSSL = *cfg.SSL
	}

	client, err := imap.New(imap.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		UseSSL:       useSSL,
		Timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
		Auth:         authMethod,
		SanitizeHTML: true,
	})
	if err != nil {
		fatal(err)
	}
	defer client.Close()

	switch args[0] {
	case "mailboxes":
		names, err := client.ListMailboxes()
		if err != nil {
			fatal(err)
		}
		for _, name := range names {
			fmt.Println(name)
		}

	case "status":
		if len(args) < 2 {
			usage()
		}
		status, err := client.MailboxStatus(args[1])
		if err != nil {
			fatal(err)
		}
		printJSON(status)

	case "search":
		if len(args) < 2 {
			usage()
		}
		query := imap.NewQuery()
		if len(args) > 2 {
			query.Text(args[2])
		}
		runSearch(client, args[1], query, *pageSize, *pages)

	case "overview":
		if len(args) < 3 {
			usage()
		}
		refs, err := parseRefs(args[1], args[2:])
		if err != nil {
			fatal(err)
		}
		overviews, err := client.FetchOverview(refs)
		if err != nil {
			fatal(err)
		}
		printJSON(overviews)

	case "fetch":
		if len(args) < 3 {
			usage()
		}
		refs, err := parseRefs(args[1], args[2:3])
		if err != nil {
			fatal(err)
		}
		messages, err := client.Fetch(refs, true)
		if err != nil {
			fatal(err)
		}
		printJSON(messages)

	case "ping":
		if err := client.Ping(); err != nil {
			fatal(err)
		}
		fmt.Println("ok")

	default:
		usage()
	}
}

func runSearch(client *imap.Client, mailbox string, query *imap.Query, pageSize, pages int) {
	var beforeUID uint32
	for i := 0; i < pages; i++ {
		page, err := client.SearchPage(mailbox, query, pageSize, beforeUID, 0)
		if err != nil {
			fatal(err)
		}
		if len(page.Refs) == 0 {
			fmt.Println("no matches")
			return
		}

		overviews, err := client.FetchOverview(page.Refs)
		if err != nil {
			fatal(err)
		}
		for _, ov := range overviews {
			seen := " "
			if ov.HasFlag(`\Seen`) {
				seen = "r"
			}
			fmt.Printf("%6d %s %-28s %s\n", ov.Ref.UID, seen, truncate(ov.From, 28), truncate(ov.Subject, 60))
		}

		if !page.HasNext {
			return
		}
		beforeUID = page.NextBeforeUID
	}
}

func parseRefs(mailbox string, uidArgs []string) ([]models.EmailRef, error) {
	refs := make([]models.EmailRef, 0, len(uidArgs))
	for _, arg := range uidArgs {
		uid, err := strconv.ParseUint(arg, 10, 32)
		if err != nil || uid == 0 {
			return nil, fmt.Errorf("invalid UID %q", arg)
		}
		refs = append(refs, models.EmailRef{UID: uint32(uid), Mailbox: mailbox})
	}
	return refs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "openmail:", err)
	os.Exit(1)
}
