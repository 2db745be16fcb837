package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apexion-ai/sessiond/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive configuration wizard",
		Long:  "Guides you through setting up sessiond: choose a provider, enter your API key, and save the config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Welcome to the sessiond configuration wizard!")
	fmt.Println()

	providers := make([]string, 0, len(config.KnownProviderModels))
	for name := range config.KnownProviderModels {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	if len(providers) == 0 {
		return fmt.Errorf("no known providers")
	}

	fmt.Println("Available providers:")
	for i, p := range providers {
		fmt.Printf("  %d. %s (%s)\n", i+1, p, config.KnownProviderModels[p])
	}
	fmt.Printf("\nSelect provider (1-%d) [1]: ", len(providers))
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	selectedIdx := 0
	if input != "" {
		n, err := strconv.Atoi(input)
		if err != nil || n < 1 || n > len(providers) {
			return fmt.Errorf("invalid selection %q", input)
		}
		selectedIdx = n - 1
	}
	providerName := providers[selectedIdx]
	fmt.Printf("Selected: %s\n\n", providerName)

	pc := &config.ProviderConfig{}
	if providerName != "ollama" {
		fmt.Printf("Enter API key for %s: ", providerName)
		apiKey, _ := reader.ReadString('\n')
		pc.APIKey = strings.TrimSpace(apiKey)
		if pc.APIKey == "" {
			return fmt.Errorf("API key cannot be empty")
		}
	}

	cfg := config.DefaultConfig()
	cfg.Provider = providerName
	cfg.Providers[providerName] = pc

	configPath := cfgFile
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		configPath = p
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("\nConfig file already exists at %s\n", configPath)
		fmt.Print("Overwrite? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := config.Save(cfg, configPath); err != nil {
		return err
	}

	fmt.Printf("\nConfig saved to %s\n", configPath)
	fmt.Println("You can now run: sessiond chat")
	return nil
}
