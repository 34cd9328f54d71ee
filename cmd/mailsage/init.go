package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initOutput    string
	initDataDir   string
	initPublicURL string
	initOwner     string
	initAPIKey    string
	initRedisURL  string
	initForce     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize MailSage configuration",
	Long: `Create a MailSage configuration file with a generated secret key
and API key.

Examples:
  # Prompt for missing values
  mailsage init

  # Non-interactive
  mailsage init --owner acme --public-url https://mail.example.com -o config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/mailsage", "Data directory for the database and task queue")
	initCmd.Flags().StringVar(&initPublicURL, "public-url", "", "Public base URL used in tracking links")
	initCmd.Flags().StringVar(&initOwner, "owner", "", "Owner id of the generated API key")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initRedisURL, "redis-url", "", "Redis URL for control signals and rate counters")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("MailSage Configuration")
	fmt.Println("======================")
	fmt.Println()

	if initOwner == "" {
		initOwner = prompt(reader, "Owner id for the API key", "admin")
	}
	if initPublicURL == "" {
		initPublicURL = prompt(reader, "Public URL for tracking links (empty disables tracking)", "")
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	config := generateConfig(generateRandomString(64))
	if err := os.WriteFile(initOutput, []byte(config), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  mailsage migrate -c %s\n", initOutput)
	fmt.Printf("  mailsage serve -c %s\n", initOutput)

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig(secretKey string) string {
	redisSection := `redis:
  # url: "redis://localhost:6379/0"`
	if initRedisURL != "" {
		redisSection = fmt.Sprintf(`redis:
  url: "%s"`, initRedisURL)
	}

	return fmt.Sprintf(`# MailSage configuration
# Generated by: mailsage init

server:
  listen_addr: ":8080"
  public_url: "%s"

database:
  driver: sqlite3
  path: "%s"

%s

queue:
  path: "%s"
  workers: 4
  max_retries: 3
  soft_timeout: 5m
  hard_timeout: 10m

worker:
  batch_size: 50
  reconcile_interval: 1m
  reconcile_idle: 5m

sweep:
  interval: 15m
  threshold: 1h

security:
  secret_key: "%s"

api_keys:
  "%s": "%s"

metrics:
  enabled: false
  listen_addr: ":9090"

logging:
  level: info
  format: json
`,
		initPublicURL,
		filepath.Join(initDataDir, "mailsage.db"),
		redisSection,
		filepath.Join(initDataDir, "tasks.db"),
		secretKey,
		initAPIKey, initOwner,
	)
}
