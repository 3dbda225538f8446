package observability

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertFile struct {
	Groups []struct {
		Name  string      `yaml:"name"`
		Rules []alertRule `yaml:"rules"`
	} `yaml:"groups"`
}

var metricName = regexp.MustCompile(`eventsite_[a-z_]+`)

func TestSiteAlertRules(t *testing.T) {
	root := filepath.Join("..", "..")
	data, err := os.ReadFile(filepath.Join(root, "deploy", "prometheus", "alerts", "eventsite.yml"))
	require.NoError(t, err)
	runbook, err := os.ReadFile(filepath.Join(root, "docs", "runbook.md"))
	require.NoError(t, err)

	var file alertFile
	require.NoError(t, yaml.Unmarshal(data, &file))
	require.Len(t, file.Groups, 1)
	require.Equal(t, "eventsite", file.Groups[0].Name)

	severities := map[string]string{
		"HighErrorRate":    "critical",
		"MailQueueFailing": "warning",
		"ChatUpstreamDown": "warning",
	}
	rules := file.Groups[0].Rules
	require.Len(t, rules, len(severities))

	for _, rule := range rules {
		want, ok := severities[rule.Alert]
		require.True(t, ok, "unexpected rule %q", rule.Alert)
		assert.Equal(t, want, rule.Labels["severity"], rule.Alert)
		assert.NotEmpty(t, rule.Annotations["summary"], rule.Alert)
		assert.NotEmpty(t, rule.Annotations["description"], rule.Alert)
		assert.NotEmpty(t, rule.For, rule.Alert)
		assert.NotEmpty(t, metricName.FindString(rule.Expr), "rule %s must query an eventsite metric", rule.Alert)

		link := rule.Annotations["runbook"]
		require.True(t, strings.HasPrefix(link, "docs/runbook.md#"), rule.Alert)
		anchor := strings.TrimPrefix(link, "docs/runbook.md#")
		assert.Contains(t, string(runbook), "## "+anchor+"\n", "runbook section for %s", rule.Alert)
	}
}
