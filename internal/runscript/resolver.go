// Package runscript locates a site's run script on the site volume.
//
// The probe order is fixed: the site root, then private/, then
// public/. The first hit wins and deeper candidates are never
// consulted, even if they also contain a script.
package runscript

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/Rushilwiz/director4/internal/logx"
	"github.com/Rushilwiz/director4/schema"
)

// DefaultScriptName is the script filename probed in each candidate
// directory.
const DefaultScriptName = "run.sh"

var probeOrder = []schema.RunScriptDir{
	schema.RunScriptMain,
	schema.RunScriptPrivate,
	schema.RunScriptPublic,
}

// Resolver probes a site's directory tree for its run script.
type Resolver struct {
	sitesRoot  string
	scriptName string
}

// New constructs a resolver over the host directory containing one
// subdirectory per site.
func New(sitesRoot, scriptName string) (*Resolver, error) {
	if sitesRoot == "" {
		return nil, errors.New("sites root is required")
	}
	if scriptName == "" {
		scriptName = DefaultScriptName
	}
	return &Resolver{sitesRoot: sitesRoot, scriptName: scriptName}, nil
}

// ScriptName returns the probed filename.
func (r *Resolver) ScriptName() string { return r.scriptName }

// SiteDir returns the host path of a site's volume.
func (r *Resolver) SiteDir(siteID schema.SiteID) string {
	return filepath.Join(r.sitesRoot, string(siteID))
}

// Resolve probes the candidate directories in order and returns the
// location of the first script found. Directories that do not exist
// are skipped. A directory entry with the script name that is not a
// regular file does not match.
func (r *Resolver) Resolve(ctx context.Context, siteID schema.SiteID) (schema.RunScriptLocation, error) {
	log := logx.WithSite(ctx, siteID)
	siteDir := r.SiteDir(siteID)
	probed := make([]string, 0, len(probeOrder))
	for _, dir := range probeOrder {
		candidate := filepath.Join(siteDir, string(dir), r.scriptName)
		if dir == schema.RunScriptMain {
			candidate = filepath.Join(siteDir, r.scriptName)
		}
		probed = append(probed, candidate)
		info, err := os.Stat(candidate)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return schema.RunScriptLocation{}, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		log.Debug("run script resolved", "dir", dir, "path", candidate)
		return schema.RunScriptLocation{Dir: dir, Path: candidate}, nil
	}
	log.Debug("run script missing", "probed", len(probed))
	return schema.RunScriptLocation{}, &schema.RunScriptNotFoundError{
		SiteID: siteID,
		Script: r.scriptName,
		Probed: probed,
	}
}
