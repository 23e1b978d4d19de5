package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

// apiAddress targets a running daemon's admin API.
var apiAddress string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replication status of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(apiAddress + "/v1/status")
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		return printJSON(resp.Body)
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin <content-id> <file>",
	Short: "Pin a payload from a file (use - for stdin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload io.Reader
		if args[1] == "-" {
			payload = os.Stdin
		} else {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			payload = f
		}

		resp, err := http.Post(apiAddress+"/v1/pins/"+args[0], "application/octet-stream", payload)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusCreated {
			return remoteError(resp)
		}
		return printJSON(resp.Body)
	},
}

var unpinCmd = &cobra.Command{
	Use:   "unpin <content-id>",
	Short: "Remove a pin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodDelete, apiAddress+"/v1/pins/"+args[0], nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return remoteError(resp)
		}
		return printJSON(resp.Body)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export or import the pin set",
}

// snapshotBackend scopes an export to one backend, or targets an import.
var snapshotBackend string

func snapshotURL() string {
	u := apiAddress + "/v1/snapshot"
	if snapshotBackend != "" {
		u += "?backend=" + url.QueryEscape(snapshotBackend)
	}
	return u
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the pin set as JSON (stdout by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(snapshotURL())
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return remoteError(resp)
		}

		out := io.Writer(os.Stdout)
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			out = f
		}
		_, err = io.Copy(out, resp.Body)
		return err
	},
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a previously exported pin set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		resp, err := http.Post(snapshotURL(), "application/json", f)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return remoteError(resp)
		}
		return printJSON(resp.Body)
	},
}

func printJSON(r io.Reader) error {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func remoteError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("daemon returned %s: %s", resp.Status, string(body))
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, pinCmd, unpinCmd, snapshotCmd} {
		c.PersistentFlags().StringVar(&apiAddress, "api", "http://localhost:9651",
			"base URL of the daemon's admin API")
		rootCmd.AddCommand(c)
	}
	snapshotCmd.PersistentFlags().StringVar(&snapshotBackend, "backend", "",
		"backend id to scope the export to, or to target the import at")
	snapshotCmd.AddCommand(snapshotExportCmd, snapshotImportCmd)
}
