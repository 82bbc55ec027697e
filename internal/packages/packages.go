// Package packages keeps advisory per-project package lists. Registering a
// package does not install it anywhere; only packages the execution sandbox
// already ships with will import successfully.
package packages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/manpreetbhatti/codehive/internal/store"
)

var (
	ErrInvalidInput    = errors.New("missing project/language/package")
	ErrInvalidLanguage = errors.New("invalid language")
)

// DefaultAllowed is the suggested package list seeded into every project
var DefaultAllowed = map[string][]string{
	"python": {
		"numpy", "pandas", "matplotlib", "scikit-learn", "tensorflow",
		"torch", "opencv-python", "xgboost", "nltk", "transformers",
		"flask", "django", "fastapi", "sqlalchemy", "pymongo",
		"requests", "beautifulsoup4", "pillow", "cryptography",
	},
	"javascript": {
		"axios", "express", "mongoose", "react", "redux",
		"lodash", "moment", "bcryptjs", "jsonwebtoken", "jest",
		"vite", "webpack", "chart.js",
	},
	"java": {
		"spring-boot-starter-web",
		"spring-boot-starter-data-jpa",
		"mysql-connector-java",
	},
}

var languageAliases = map[string]string{
	"python":     "python",
	"javascript": "javascript",
	"js":         "javascript",
	"node":       "javascript",
	"nodejs":     "javascript",
	"java":       "java",
}

type Installed struct {
	Output   string `json:"output"`
	Language string `json:"language"`
	Package  string `json:"package"`
}

type Listing struct {
	Allowed   map[string][]string `json:"allowed"`
	Installed map[string][]string `json:"installed"`
}

type Service struct {
	store store.PackageBook
}

func NewService(s store.PackageBook) *Service {
	return &Service{store: s}
}

// Install records pkg as a dependency of the project
func (s *Service) Install(ctx context.Context, project, lang, pkg string) (*Installed, error) {
	project = strings.TrimSpace(project)
	pkg = strings.TrimSpace(pkg)
	lang = strings.ToLower(strings.TrimSpace(lang))
	if project == "" || lang == "" || pkg == "" {
		return nil, ErrInvalidInput
	}

	canonical, ok := languageAliases[lang]
	if !ok {
		return nil, ErrInvalidLanguage
	}

	if err := s.store.EnsurePackages(ctx, project, DefaultAllowed); err != nil {
		return nil, fmt.Errorf("ensure packages: %w", err)
	}
	if err := s.store.AddInstalledPackage(ctx, project, canonical, pkg); err != nil {
		return nil, fmt.Errorf("add package: %w", err)
	}

	return &Installed{
		Output: fmt.Sprintf("📦 '%s' added to project dependencies.\n\n"+
			"⚠ Note:\n"+
			"The execution sandbox does NOT allow installing new packages.\n"+
			"This package will work only if it is already preinstalled there.", pkg),
		Language: canonical,
		Package:  pkg,
	}, nil
}

// List returns the allowed and installed packages, falling back to the
// defaults for projects that never installed anything
func (s *Service) List(ctx context.Context, project string) (*Listing, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return nil, fmt.Errorf("%w: missing projectName", ErrInvalidInput)
	}

	doc, err := s.store.GetPackages(ctx, project)
	if errors.Is(err, store.ErrNotFound) {
		return &Listing{Allowed: DefaultAllowed, Installed: map[string][]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get packages: %w", err)
	}

	listing := &Listing{Allowed: doc.Allowed, Installed: doc.Installed}
	if listing.Allowed == nil {
		listing.Allowed = DefaultAllowed
	}
	if listing.Installed == nil {
		listing.Installed = map[string][]string{}
	}
	return listing, nil
}
