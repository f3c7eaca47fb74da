package pipeline

import (
	"fmt"
	"strings"
	"text/template"

	"autopost/internal"
)

// Tones supported by the draft templates.
const (
	ToneProfessional = "professional"
	TonePlayful      = "playful"
	ToneTechnical    = "technical"
	ToneCocky        = "cocky"
)

// DefaultTone is used when a monitor has no tone configured.
const DefaultTone = ToneProfessional

// templateContext is everything a draft template may interpolate. Only
// fields already on the event — rendering stays a pure function of the
// payload with no clock, randomness, or network.
type templateContext struct {
	Repo    string
	Commits int
	Plural  string
	Ref     string
	Head    string
	Tag     string
	Release string
	PRTitle string
	PRNum   int
	Sender  string
}

var draftTemplates = map[internal.EventType]map[string]string{
	internal.EventPush: {
		ToneProfessional: "Progress update on {{.Repo}}: just pushed {{.Commits}} commit{{.Plural}}. Steady steps forward — more to come. #softwaredevelopment #opensource",
		TonePlayful:      "🚀 {{.Commits}} fresh commit{{.Plural}} just landed on {{.Repo}}! The keyboard is still warm. #codinglife #github",
		ToneTechnical:    "Pushed {{.Commits}} commit{{.Plural}} to {{.Repo}} ({{.Ref}}). Latest: {{.Head}} #softwareengineering",
		ToneCocky:        "Another {{.Commits}} commit{{.Plural}} crushed on {{.Repo}}. The codebase keeps getting cleaner. 💪 #github",
	},
	internal.EventRelease: {
		ToneProfessional: "Excited to announce {{.Repo}} {{.Tag}} is out! Grateful for everyone who contributed. #opensource #release",
		TonePlayful:      "🎉 {{.Repo}} {{.Tag}} has shipped! Go grab it while it's hot. #release #github",
		ToneTechnical:    "Released {{.Repo}} {{.Tag}}{{if .Release}} — {{.Release}}{{end}}. Changelog and artifacts on GitHub. #engineering #release",
		ToneCocky:        "{{.Repo}} {{.Tag}} is live and it's the best one yet. Bow down. 👑 #release",
	},
	internal.EventPullRequestMerged: {
		ToneProfessional: "Merged into {{.Repo}}: \"{{.PRTitle}}\" (#{{.PRNum}}). Collaboration at its best. #softwaredevelopment",
		TonePlayful:      "PR #{{.PRNum}} just merged into {{.Repo}}: {{.PRTitle}} 🎊 High fives all around! #github",
		ToneTechnical:    "Merged PR #{{.PRNum}} into {{.Repo}}: {{.PRTitle}}. Reviewed, tested, shipped. #codereview #engineering",
		ToneCocky:        "Merged #{{.PRNum}} into {{.Repo}} like it was nothing: {{.PRTitle}} 🔥 #github",
	},
}

var compiledTemplates = func() map[internal.EventType]map[string]*template.Template {
	out := make(map[internal.EventType]map[string]*template.Template, len(draftTemplates))
	for eventType, byTone := range draftTemplates {
		out[eventType] = make(map[string]*template.Template, len(byTone))
		for tone, text := range byTone {
			name := fmt.Sprintf("%s/%s", eventType, tone)
			out[eventType][tone] = template.Must(template.New(name).Parse(text))
		}
	}
	return out
}()

// RenderDraft deterministically renders post content for the event: a
// fixed template selected by event type and tone, interpolating the
// repository name and the summary fields extracted at normalization.
func RenderDraft(evt internal.RepositoryEvent, tone string) (string, error) {
	byTone, ok := compiledTemplates[evt.EventType]
	if !ok {
		return "", fmt.Errorf("no template for event type %q", evt.EventType)
	}
	tmpl, ok := byTone[tone]
	if !ok {
		tmpl = byTone[DefaultTone]
	}

	plural := "s"
	if evt.Summary.CommitCount == 1 {
		plural = ""
	}
	ctx := templateContext{
		Repo:    evt.RepositoryName,
		Commits: evt.Summary.CommitCount,
		Plural:  plural,
		Ref:     shortRef(evt.Summary.Ref),
		Head:    evt.Summary.HeadMessage,
		Tag:     evt.Summary.ReleaseTag,
		Release: evt.Summary.ReleaseName,
		PRTitle: evt.Summary.PullRequestTitle,
		PRNum:   evt.Summary.PullRequestNumber,
		Sender:  evt.Summary.SenderLogin,
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, ctx); err != nil {
		return "", err
	}
	return out.String(), nil
}

func shortRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}
