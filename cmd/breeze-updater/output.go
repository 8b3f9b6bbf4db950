package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/ipc"
	"github.com/breeze-rmm/updater/internal/registry"
)

// printStructured writes v as JSON or YAML and reports whether the output
// format asked for one of them.
func printStructured(w io.Writer, v any) (bool, error) {
	switch strings.ToLower(output) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml", "yml":
		data, err := toYAML(v)
		if err != nil {
			return true, err
		}
		_, err = w.Write(data)
		return true, err
	case "", "text":
		return false, nil
	}
	return true, fmt.Errorf("unknown output format %q (use text, json or yaml)", output)
}

// toYAML renders v with its JSON field names and order by decoding the JSON
// encoding as a YAML document.
func toYAML(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	blockStyle(&doc)
	return yaml.Marshal(&doc)
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func printSnapshot(snap bundle.Snapshot) error {
	if ok, err := printStructured(os.Stdout, snap); ok {
		return err
	}
	sum := snap.Summarize()
	fmt.Printf("Bundle:  %s\n", snap.ID)
	fmt.Printf("Session: %s\n", snap.SessionID)
	fmt.Printf("State:   %s", snap.State)
	if snap.Paused {
		fmt.Print(" (paused)")
	}
	fmt.Println()
	fmt.Printf("Source:  %s\n", snap.Policy.InstallSource)
	if sum.Reboot {
		fmt.Println("A reboot is required to finish installing updates.")
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "APP\tSTATE\tVERSION\tPROGRESS\tERROR")
	for _, a := range snap.Apps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.State, versionColumn(a), progressColumn(a), errorColumn(a))
	}
	return w.Flush()
}

func versionColumn(a bundle.AppSnapshot) string {
	switch {
	case a.AvailableVersion != "" && a.AvailableVersion != a.CurrentVersion:
		return a.CurrentVersion + " -> " + a.AvailableVersion
	case a.CurrentVersion != "":
		return a.CurrentVersion
	}
	return "-"
}

func progressColumn(a bundle.AppSnapshot) string {
	switch a.State {
	case bundle.StateDownloading:
		if a.DownloadTotal > 0 {
			return fmt.Sprintf("%d%%", a.DownloadedBytes*100/a.DownloadTotal)
		}
		return fmt.Sprintf("%d B", a.DownloadedBytes)
	case bundle.StateInstalling:
		return fmt.Sprintf("%d%%", a.InstallPercent)
	}
	return "-"
}

func errorColumn(a bundle.AppSnapshot) string {
	if a.Error == nil {
		return ""
	}
	return a.Error.Error()
}

func printBundleList(infos []ipc.BundleInfo) error {
	if ok, err := printStructured(os.Stdout, infos); ok {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No bundles.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUNDLE\tSTATE\tSOURCE\tAPPS\tINSTALLED\tFAILED\tPENDING")
	for _, b := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			b.BundleID, b.State, b.Source, b.Apps, b.Summary.Installed, b.Summary.Failed, b.Summary.Pending)
	}
	return w.Flush()
}

func printApps(apps []registry.App) error {
	if ok, err := printStructured(os.Stdout, apps); ok {
		return err
	}
	if len(apps) == 0 {
		fmt.Println("No registered apps.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "APP\tNAME\tVERSION\tLAST CHECKED\tLAST OUTCOME")
	for _, a := range apps {
		checked := "never"
		if a.LastCheckedAt != nil {
			checked = a.LastCheckedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.CurrentVersion, checked, a.LastOutcome)
	}
	return w.Flush()
}

func printHistory(outcomes []registry.Outcome) error {
	if ok, err := printStructured(os.Stdout, outcomes); ok {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTATE\tVERSION\tSOURCE\tERROR")
	for _, o := range outcomes {
		errText := o.ErrorKind
		if o.ErrorDetail != "" {
			errText += ": " + o.ErrorDetail
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			o.RecordedAt.Local().Format("2006-01-02 15:04:05"), o.State, o.Version, o.Source, errText)
	}
	return w.Flush()
}
