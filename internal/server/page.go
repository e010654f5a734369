package server

import (
	"embed"
	"html/template"
	"net/url"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/diff"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/history"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/version"
)

const pageTemplateName = "diff.html"

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.New(pageTemplateName).ParseFS(templateFS, "templates/"+pageTemplateName))

type versionOption struct {
	Value    string
	Label    string
	Selected bool
}

type versionGroup struct {
	Label   string
	Options []versionOption
}

type objectLink struct {
	Name     string
	URL      string
	Selected bool
}

type pageView struct {
	Base          string
	Target        string
	Object        string
	Mode          string
	FitBoard      bool
	ImageURL      string
	Objects       []objectLink
	BaseChoices   []versionGroup
	TargetChoices []versionGroup
}

func newPageView(page diff.Page) pageView {
	base := page.Base.String()
	target := page.Target.String()

	view := pageView{
		Base:          base,
		Target:        target,
		Object:        page.Object,
		Mode:          string(page.Mode),
		FitBoard:      page.FitBoard,
		ImageURL:      withQuery(diffPath(actionImage, base, target, page.Object+imageSuffix), page.FitBoard),
		BaseChoices:   versionChoices(base, page.Snapshots, page.Commits),
		TargetChoices: versionChoices(target, page.Snapshots, page.Commits),
	}
	for _, object := range page.Objects {
		view.Objects = append(view.Objects, objectLink{
			Name:     object,
			URL:      withQuery(diffPath(actionDiff, base, target, object), page.FitBoard),
			Selected: object == page.Object,
		})
	}
	return view
}

// versionChoices lists the working copy, HEAD, snapshots and commits. A
// selected ref that appears nowhere else is added to the first group.
func versionChoices(selected string, snapshots []string, commits []history.Commit) []versionGroup {
	found := false
	option := func(value, label string) versionOption {
		if value == selected {
			found = true
		}
		return versionOption{Value: value, Label: label, Selected: value == selected}
	}

	general := versionGroup{Options: []versionOption{
		option(version.WorkingCopyToken, "Working copy"),
		option(defaultRootBase, defaultRootBase),
	}}

	snapshotGroup := versionGroup{Label: "snapshots"}
	for _, id := range snapshots {
		snapshotGroup.Options = append(snapshotGroup.Options, option(id, id))
	}

	commitGroup := versionGroup{Label: "commits"}
	for _, commit := range commits {
		label := commit.ShortHash() + " " + commit.Subject
		if commit.Refs != "" {
			label += " (" + commit.Refs + ")"
		}
		commitGroup.Options = append(commitGroup.Options, option(commit.Hash, label))
	}

	if !found {
		general.Options = append(general.Options, versionOption{Value: selected, Label: selected, Selected: true})
	}

	groups := []versionGroup{general}
	if len(snapshotGroup.Options) > 0 {
		groups = append(groups, snapshotGroup)
	}
	if len(commitGroup.Options) > 0 {
		groups = append(groups, commitGroup)
	}
	return groups
}

func withQuery(path string, fitBoard bool) string {
	if !fitBoard {
		return path
	}
	values := url.Values{}
	values.Set(fitBoardParameter, "true")
	return path + "?" + values.Encode()
}
