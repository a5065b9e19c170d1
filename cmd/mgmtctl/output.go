package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"sigs.k8s.io/yaml"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/transport"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	keyColor    = color.New(color.FgCyan)
)

func phaseColor(phase mgmtv1alpha1.ResourcePhase) *color.Color {
	switch phase {
	case mgmtv1alpha1.PhaseDegraded:
		return color.New(color.FgRed, color.Bold)
	case mgmtv1alpha1.PhaseReloadRequired:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

func printStructured(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		b, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}
	return fmt.Errorf("unsupported output format %q", format)
}

func printResource(w io.Writer, format string, res *mgmtv1alpha1.ManagedResource) error {
	if format != "text" {
		return printStructured(w, format, res)
	}
	writeResource(w, res, "")
	return nil
}

func writeResource(w io.Writer, res *mgmtv1alpha1.ManagedResource, indent string) {
	phase := res.Status.Phase
	if phase == "" {
		phase = mgmtv1alpha1.PhaseActive
	}
	fmt.Fprintf(w, "%s%s [%s]\n", indent, headerColor.Sprint(res.Spec.Address), phaseColor(phase).Sprint(phase))
	if res.Status.Message != "" {
		fmt.Fprintf(w, "%s  %s\n", indent, res.Status.Message)
	}
	if res.Status.ServiceName != "" {
		fmt.Fprintf(w, "%s  %s %s (%s)\n", indent, keyColor.Sprint("service:"), res.Status.ServiceName, res.Status.ServiceState)
	}
	for _, name := range sortedKeys(res.Spec.Model) {
		fmt.Fprintf(w, "%s  %s %s\n", indent, keyColor.Sprint(name+":"), formatValue(res.Spec.Model[name]))
	}
	types := make([]string, 0, len(res.Spec.Children))
	for t := range res.Spec.Children {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		for i := range res.Spec.Children[t] {
			writeResource(w, &res.Spec.Children[t][i], indent+"  ")
		}
	}
}

func printWriteResult(w io.Writer, format string, out transport.WriteResult) error {
	if format != "text" {
		return printStructured(w, format, out)
	}
	fmt.Fprintf(w, "%s %s\n", keyColor.Sprint("restart level:"), out.Level)
	if len(out.Transitions) > 0 {
		fmt.Fprintf(w, "%s %s\n", keyColor.Sprint("transitions:"), strings.Join(out.Transitions, " -> "))
	}
	if out.ReloadRequired {
		fmt.Fprintln(w, color.YellowString("reload required"))
	}
	return nil
}

func printNames(w io.Writer, format string, names []string) error {
	if names == nil {
		names = []string{}
	}
	if format != "text" {
		return printStructured(w, format, names)
	}
	for _, n := range names {
		fmt.Fprintln(w, n)
	}
	return nil
}

func printStatus(w io.Writer, format, msg string, reloadRequired bool) error {
	if format != "text" {
		return printStructured(w, format, map[string]interface{}{"result": msg, "reloadRequired": reloadRequired})
	}
	fmt.Fprintln(w, color.GreenString(msg))
	if reloadRequired {
		fmt.Fprintln(w, color.YellowString("reload required"))
	}
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "undefined"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
