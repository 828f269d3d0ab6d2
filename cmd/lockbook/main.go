// Command lockbook is a thin CLI over the lockbook core library: account
// lifecycle, file operations, and sync from a terminal.
//
// Built with spf13/cobra rather than a hand-rolled flag.FlagSet per
// subcommand, since a tree of nested subcommands (account
// create/import/export-*, files ...) is exactly cobra's use case.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/lockbook/lockbook"
	"github.com/lockbook/lockbook/config"
	"github.com/lockbook/lockbook/internal/errkind"
	"github.com/spf13/cobra"
)

var dataDir string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lockbook",
	Short: "A private, end-to-end encrypted notebook",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", config.DefaultDataDirectoryPath, "directory for the local database, document store, and logs")
	rootCmd.AddCommand(accountCmd, syncCmd, workCmd, usageCmd, validateCmd, filesCmd)
	accountCmd.AddCommand(accountCreateCmd, accountImportCmd, accountExportPrivateKeyCmd, accountExportPhraseCmd)
	filesCmd.AddCommand(filesListCmd, filesWriteCmd, filesReadCmd)
}

func openHandle() (*lockbook.Lb, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}
	return lockbook.Open(cfg)
}

func exitOnErr(err error) {
	if err == nil {
		return
	}
	if e, ok := errkind.As(err); ok {
		fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", e.Kind, e.Detail)
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(1)
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage the local account",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create USERNAME [API_URL]",
	Short: "Register a new account and create its root folder",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := openHandle()
		exitOnErr(err)
		defer lb.Close()
		apiURL := ""
		if len(args) == 2 {
			apiURL = args[1]
		}
		exitOnErr(lb.CreateAccount(context.Background(), args[0], apiURL))
		fmt.Println("account created")
	},
}

var accountImportCmd = &cobra.Command{
	Use:   "import PRIVATE_KEY_STRING [API_URL]",
	Short: "Import an account from a private-key export string",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := openHandle()
		exitOnErr(err)
		defer lb.Close()
		apiURL := ""
		if len(args) == 2 {
			apiURL = args[1]
		}
		exitOnErr(lb.ImportAccount(context.Background(), args[0], apiURL))
		fmt.Println("account imported")
	},
}

var accountExportPrivateKeyCmd = &cobra.Command{
	Use:   "export-private-key",
	Short: "Print the account's private-key export string",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := openHandle()
		exitOnErr(err)
		defer lb.Close()
		s, err := lb.ExportAccountPrivateKey()
		exitOnErr(err)
		fmt.Println(s)
	},
}

var accountExportPhraseCmd = &cobra.Command{
	Use:   "export-phrase",
	Short: "Print the account's mnemonic recovery phrase",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := openHandle()
		exitOnErr(err)
		defer lb.Close()
		s, err := lb.ExportAccountPhrase()
		exitOnErr(err)
		fmt.Println(s)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull and push changes against the relay server",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := openHandle()
		exitOnErr(err)
		defer lb.Close()
		exitOnErr(lb.Sync(context.Background(), func(p lockbook.SyncProgress) {
			fmt.Printf("\r%d/%d %s", p.Completed, p.Total, p.CurrentFileName)
		}))
		fmt.Println()
	},
}

var workCmd = &cobra.Command{
	Use:   "calculate-work",
	Short: "Preview what a sync would do",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := openHandle()
		exitOnErr(err)
		defer lb.Close()
		w, err := lb.CalculateWork(context.Background())
		exitOnErr(err)
		fmt.Printf("server ahead: %d, local ahead: %d\n", w.ServerAhead, w.LocalAhead)
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show server-side storage usage",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := openHandle()
		exitOnErr(err)
		defer lb.Close()
		used, capBytes, err := lb.GetUsage(context.Background())
		exitOnErr(err)
		fmt.Printf("%d / %d bytes\n", used, capBytes)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the local tree against its invariants",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := openHandle()
		exitOnErr(err)
		defer lb.Close()
		warnings, err := lb.Validate()
		exitOnErr(err)
		if len(warnings) == 0 {
			fmt.Println("ok")
			return
		}
		for _, w := range warnings {
			fmt.Printf("%s: %s (%s)\n", w.Kind, w.Detail, w.FileID)
		}
		os.Exit(1)
	},
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Work with files in the local tree",
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every path in the account's tree",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := openHandle()
		exitOnErr(err)
		defer lb.Close()
		root, err := lb.Root()
		exitOnErr(err)
		paths, err := lb.Files().ListPaths(root)
		exitOnErr(err)
		for _, p := range paths {
			fmt.Println(p)
		}
	},
}

var filesWriteCmd = &cobra.Command{
	Use:   "write PATH",
	Short: "Write stdin's content to PATH, creating it if necessary",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := openHandle()
		exitOnErr(err)
		defer lb.Close()
		content, err := io.ReadAll(os.Stdin)
		exitOnErr(err)
		root, err := lb.Root()
		exitOnErr(err)
		id, err := resolveOrCreate(lb, root, args[0])
		exitOnErr(err)
		exitOnErr(lb.Files().WriteDocument(id, content))
	},
}

var filesReadCmd = &cobra.Command{
	Use:   "read PATH",
	Short: "Print the decrypted content of PATH",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		lb, err := openHandle()
		exitOnErr(err)
		defer lb.Close()
		root, err := lb.Root()
		exitOnErr(err)
		id, err := lb.Files().GetByPath(root, args[0])
		exitOnErr(err)
		content, err := lb.Files().ReadDocument(id)
		exitOnErr(err)
		os.Stdout.Write(content)
	},
}
