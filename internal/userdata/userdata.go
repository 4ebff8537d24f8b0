// Package userdata renders the boot-time script handed to a freshly
// created VM. The script's job (install and register the one-shot
// runner agent) is an external collaborator per the system's scope;
// this package only provides enough of a concrete template for
// CloudClient.CreateVM to have something to pass as VM metadata.
package userdata

import (
	"bytes"
	"fmt"
	"text/template"
)

// Params are the values the boot script needs to register itself with
// the hosted-CI service and then run exactly one job.
type Params struct {
	RunnerName   string
	Tags         []string
	Token        string
	Org          string
	InstallerURL string
}

var script = template.Must(template.New("userdata").Parse(`#!/bin/sh
set -eu
curl -fsSL "{{.InstallerURL}}" -o /tmp/runner.tar.gz
tar -xzf /tmp/runner.tar.gz -C /opt/runner
/opt/runner/config.sh --unattended \
  --name "{{.RunnerName}}" \
  --url "{{.Org}}" \
  --token "{{.Token}}" \
  --labels "{{range $i, $t := .Tags}}{{if $i}},{{end}}{{$t}}{{end}}" \
  --ephemeral
/opt/runner/run.sh
`))

// Render produces the boot script for one runner.
func Render(p Params) (string, error) {
	var buf bytes.Buffer
	if err := script.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("userdata: render: %w", err)
	}
	return buf.String(), nil
}
