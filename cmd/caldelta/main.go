package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"caldelta/internal/auth"
	"caldelta/internal/config"
	"caldelta/internal/export"
	"caldelta/internal/remote"
	"caldelta/internal/store"
	"caldelta/internal/sync"

	"golang.org/x/oauth2"
)

func printHelp() {
	fmt.Fprintf(os.Stderr, `Calendar Delta Sync Tool

A two-way synchronization tool that keeps a local event database and the
calendars of a Google account in step, using incremental change feeds in
both directions and a remote-wins conflict policy.

USAGE:
    %s [OPTIONS]

OPTIONS:
    -h, --help                    Show this help message and exit
    -v, --verbose                 Enable verbose output (show DEBUG logs)
    --config FILE                 Path to JSON config file (optional)
    --account NAME                Account label distinguishing sync state when
                                  multiple accounts share one database
                                  (overrides config file and CALDELTA_ACCOUNT env var)
    --store-path PATH             Path to the local SQLite event database
                                  (overrides config file and CALDELTA_STORE_PATH env var)
    --token-path PATH             Path to store the OAuth token
                                  (overrides config file and CALDELTA_TOKEN_PATH env var)
    --google-credentials-path PATH Path to Google OAuth credentials JSON file
                                  (overrides config file and GOOGLE_CREDENTIALS_PATH env var)
    --export CALENDAR_ID          Instead of syncing, write the named calendar's
                                  locally stored events as iCalendar data
    -o FILE                       Output file for --export (default: stdout)

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (CALDELTA_ACCOUNT, CALDELTA_STORE_PATH, CALDELTA_TOKEN_PATH, GOOGLE_CREDENTIALS_PATH)
    3. Config file (--config)
    4. Defaults

CONFIG FILE:
    Settings may be specified in a JSON config file. Example:
    {
      "account": "personal",
      "store_path": "/path/to/calendars.db",
      "token_path": "/path/to/token.json",
      "google_credentials_path": "/path/to/credentials.json"
    }

    The Google credentials JSON file should be in the format downloaded from
    Google Cloud Console. It should contain either an "installed" or "web"
    section with "client_id" and "client_secret" fields.

DESCRIPTION:
    Each run performs one sync cycle per calendar on the account:

    - Remote changes are fetched incrementally using the change token from
      the previous cycle, falling back to a full window fetch (one year back,
      two years ahead) when no token exists or the server rejects it.
    - Local additions, modifications and deletions made since the previous
      cycle are uploaded, with generated event ids and bounded retries on
      id collisions and rate limiting.
    - When the same event changed on both sides, the remote copy wins.

    The sync token and the local change baseline are advanced only after a
    calendar's cycle completes fully, so a failed cycle replays from the
    same point next run. Read-only calendars are mirrored but never
    uploaded to.

    Authentication uses OAuth 2.0; you'll be prompted in a browser on the
    first run and the token is stored at --token-path for later runs.

EXAMPLES:
    # Run a sync cycle with a config file
    %s --config /path/to/config.json

    # Run a sync cycle configured through the environment
    CALDELTA_TOKEN_PATH=token.json GOOGLE_CREDENTIALS_PATH=creds.json %s

    # Export a calendar's local copy as iCalendar data
    %s --config /path/to/config.json --export primary -o primary.ics

    # Show help
    %s --help

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	// Parse command-line flags
	helpFlag := flag.Bool("help", false, "Show help message")
	helpFlagShort := flag.Bool("h", false, "Show help message (shorthand)")
	verboseFlag := flag.Bool("verbose", false, "Enable verbose output (show DEBUG logs)")
	verboseFlagShort := flag.Bool("v", false, "Enable verbose output (shorthand)")
	configFile := flag.String("config", "", "Path to JSON config file (optional)")
	accountFlag := flag.String("account", "", "Account label (overrides config file and CALDELTA_ACCOUNT env var)")
	storePathFlag := flag.String("store-path", "", "Path to the local SQLite event database (overrides config file and CALDELTA_STORE_PATH env var)")
	tokenPathFlag := flag.String("token-path", "", "Path to store the OAuth token (overrides config file and CALDELTA_TOKEN_PATH env var)")
	googleCredentialsPathFlag := flag.String("google-credentials-path", "", "Path to Google OAuth credentials JSON file (overrides config file and GOOGLE_CREDENTIALS_PATH env var)")
	exportCalendar := flag.String("export", "", "Write the named calendar's locally stored events as iCalendar data instead of syncing")
	exportOutput := flag.String("o", "", "Output file for --export (default: stdout)")
	flag.Parse()

	verbose := *verboseFlag || *verboseFlagShort

	// Show help if requested
	if *helpFlag || *helpFlagShort {
		printHelp()
		os.Exit(0)
	}

	// Set up logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx := context.Background()

	// Load configuration (precedence: flags > env vars > config file > defaults)
	cfg, err := config.LoadConfig(*configFile, *accountFlag, *storePathFlag, *tokenPathFlag, *googleCredentialsPathFlag)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("Failed to open event database: %v", err)
	}
	defer st.Close()

	// Export mode reads only the local database, no network needed.
	if *exportCalendar != "" {
		if err := runExport(st, cfg.Account, *exportCalendar, *exportOutput); err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		return
	}

	// Load Google OAuth credentials from the credentials file
	clientID, clientSecret, err := config.LoadGoogleCredentials(cfg.GoogleCredentialsPath)
	if err != nil {
		log.Fatalf("Failed to load Google credentials: %v", err)
	}

	oauthConfig := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  "http://127.0.0.1:8080", // Will be updated dynamically by auth flow
		Scopes: []string{
			"https://www.googleapis.com/auth/calendar",
			"https://www.googleapis.com/auth/calendar.events",
		},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}

	tokenStore := auth.NewFileTokenStore(cfg.TokenPath)

	httpClient, err := auth.GetAuthenticatedClient(ctx, oauthConfig, tokenStore)
	if err != nil {
		log.Fatalf("Failed to authenticate: %v", err)
	}

	client, err := remote.NewClient(ctx, httpClient)
	if err != nil {
		log.Fatalf("Failed to create calendar client: %v", err)
	}

	if err := sync.New(st, client, cfg.Account, verbose).Sync(ctx); err != nil {
		log.Fatalf("Sync failed: %v", err)
	}

	log.Printf("Sync completed successfully.")
}

// runExport writes the locally stored copy of one calendar as iCalendar data.
func runExport(st *store.Store, account, calendarID, output string) error {
	notebooks, err := st.Notebooks(account)
	if err != nil {
		return err
	}
	var nb *store.Notebook
	for _, candidate := range notebooks {
		if candidate.CalendarID == calendarID {
			nb = candidate
			break
		}
	}
	if nb == nil {
		return fmt.Errorf("calendar %q not found in the local database; run a sync first", calendarID)
	}

	events, err := st.Events(nb.UID)
	if err != nil {
		return err
	}

	out := os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	return export.Write(out, nb, events)
}
