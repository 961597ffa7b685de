// Package testscaffold materializes the testing facet of a sandbox: an
// example project tree for the internal mode, with a ready-to-run pytest
// setup, dependency manifest, and README. The interesting work is
// delegated to the tools the operator runs inside the tree; this package
// owns the tree's shape and cleanup discipline.
package testscaffold

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Scaffold manages the example test tree under a sandbox root.
type Scaffold struct {
	RootDir string
}

// New returns a Scaffold rooted at dir.
func New(dir string) *Scaffold {
	return &Scaffold{RootDir: dir}
}

const testConfigJSON = `{
    "test_mode": "development",
    "logging": {
        "level": "DEBUG",
        "file": "../logs/test.log"
    },
    "data": {
        "path": "../data"
    }
}
`

const conftestPy = `import pytest
import sys
import os
import json
from pathlib import Path

@pytest.fixture(scope="session")
def test_config():
    config_path = Path(__file__).parent.parent / "config" / "test_config.json"
    with open(config_path) as f:
        return json.load(f)

@pytest.fixture(scope="session")
def test_data_dir(test_config):
    data_dir = Path(__file__).parent.parent / "data"
    data_dir.mkdir(exist_ok=True)
    return data_dir

@pytest.fixture(scope="session")
def test_log_dir():
    log_dir = Path(__file__).parent.parent / "logs"
    log_dir.mkdir(exist_ok=True)
    return log_dir
`

const exampleTestPy = `import pytest
from pathlib import Path

def test_environment(test_config, test_data_dir, test_log_dir):
    assert test_config["test_mode"] == "development"
    assert test_data_dir.exists()
    assert test_log_dir.exists()
`

const requirementsTxt = `# Testing Framework
pytest>=7.0.0
pytest-cov>=4.0.0
pytest-xdist>=3.0.0
pytest-timeout>=2.1.0
pytest-benchmark>=4.0.0
pytest-mock>=3.10.0
pytest-asyncio>=0.21.0
hypothesis>=6.75.3  # Property-based testing

# Code Quality
black>=23.3.0  # Code formatting
isort>=5.12.0  # Import sorting
flake8>=6.0.0  # Style guide enforcement
mypy>=1.2.0  # Static type checking
pylint>=2.17.0  # Code analysis
bandit>=1.7.5  # Security testing

# Test Utilities
coverage>=7.2.0  # Code coverage
tox>=4.5.1  # Test automation
faker>=18.9.0  # Test data generation
freezegun>=1.2.0  # Time freezing
responses>=0.23.0  # Mock HTTP requests

# Development Tools
python-dotenv>=1.0.0  # Environment management
pre-commit>=3.2.0  # Git hooks
rich>=13.3.5  # Rich text and formatting
`

const gitignore = `__pycache__/
*.py[cod]
.pytest_cache/
.coverage
htmlcov/
.env
.venv
venv/
logs/*.log
data/*
!data/.gitkeep
tmp/
`

const readmeMd = `# Internal Testing Environment

This is an isolated testing environment created by safespace.

## Directory Structure
- ` + "`src/`" + `: Source code under test
- ` + "`tests/`" + `: Test files and fixtures
- ` + "`data/`" + `: Test data directory
- ` + "`config/`" + `: Configuration files
- ` + "`logs/`" + `: Log files

## Environment Management
- Create/recreate environment: ` + "`safespace new --internal`" + `
- Clean environment: removes cache files, logs, and temporary data,
  preserves source code and tests, and resets permissions.
- Remove environment completely: forecloses the environment and all
  backups. Cannot be undone.

## Setup
1. Create a virtual environment:
   ` + "```bash" + `
   python -m venv venv
   source venv/bin/activate
   ` + "```" + `

2. Install dependencies:
   ` + "```bash" + `
   pip install -r requirements.txt
   ` + "```" + `

3. Set up pre-commit hooks:
   ` + "```bash" + `
   pre-commit install
   ` + "```" + `

## Running Tests
Basic test run:
` + "```bash" + `
pytest tests/
` + "```" + `

With coverage report:
` + "```bash" + `
pytest tests/ --cov=src --cov-report=html
` + "```" + `

## Code Quality
` + "```bash" + `
black .
isort .
flake8
mypy src tests
bandit -r src
` + "```" + `
`

// Setup creates the scaffold directories and example files: test config,
// pytest fixtures, an example test, the dependency manifest, README and
// git housekeeping. Existing files are left untouched.
func (s *Scaffold) Setup() error {
	for _, sub := range []string{"src", "tests", "config", "data", "logs"} {
		if err := os.MkdirAll(filepath.Join(s.RootDir, sub), 0o700); err != nil {
			return fmt.Errorf("create scaffold dir %s: %w", sub, err)
		}
	}

	files := map[string]string{
		filepath.Join("config", "test_config.json"): testConfigJSON,
		filepath.Join("tests", "conftest.py"):       conftestPy,
		filepath.Join("tests", "test_example.py"):   exampleTestPy,
		"requirements.txt":                          requirementsTxt,
		"README.md":                                 readmeMd,
		".gitignore":                                gitignore,
		filepath.Join("data", ".gitkeep"):           "",
		filepath.Join("logs", ".gitkeep"):           "",
	}
	for rel, content := range files {
		path := filepath.Join(s.RootDir, rel)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return fmt.Errorf("write scaffold file %s: %w", rel, err)
		}
	}

	slog.Info("testscaffold: scaffold created", "root", s.RootDir)
	return nil
}

// Cleanup prunes tool caches and transient outputs, preserving sources,
// tests and the .gitkeep markers.
func (s *Scaffold) Cleanup() error {
	var prune []string
	filepath.WalkDir(s.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		switch {
		case name == "__pycache__" || name == ".pytest_cache" || name == "htmlcov",
			strings.HasPrefix(name, ".coverage"):
			prune = append(prune, path)
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	for _, p := range prune {
		os.RemoveAll(p)
	}

	for _, sub := range []string{"logs", "data"} {
		dir := filepath.Join(s.RootDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.Name() == ".gitkeep" {
				continue
			}
			os.RemoveAll(filepath.Join(dir, e.Name()))
		}
	}

	slog.Info("testscaffold: cleaned", "root", s.RootDir)
	return nil
}
