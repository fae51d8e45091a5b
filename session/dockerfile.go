package session

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	hivehost "github.com/hivehost/hivehost"
)

// descriptorHook post-processes a rendered Dockerfile for one language. Hooks
// may scan the extracted source tree for language-specific markers.
type descriptorHook func(dockerfile, mainFile, sourceDir string) string

// descriptorHooks keys language-specific template policy off the language id,
// so new languages only need a template plus (optionally) a hook.
var descriptorHooks = map[string]descriptorHook{
	"csharp": csharpProjectName,
}

// RenderDockerfile materializes a language's build template for the given
// entry point against the extracted source tree at sourceDir.
func RenderDockerfile(lang hivehost.Language, mainFile, sourceDir string) string {
	out := strings.ReplaceAll(lang.Dockerfile, "{{MAIN_FILE}}", mainFile)
	if hook, ok := descriptorHooks[lang.ID]; ok {
		out = hook(out, mainFile, sourceDir)
	}
	return out
}

// WriteDockerfile renders the template and writes it to sourceDir/Dockerfile.
func WriteDockerfile(lang hivehost.Language, mainFile, sourceDir string) error {
	content := RenderDockerfile(lang, mainFile, sourceDir)
	return os.WriteFile(filepath.Join(sourceDir, "Dockerfile"), []byte(content), 0644)
}

// csharpProjectName fills {{PROJECT_NAME}}. The published assembly is named
// after the .csproj, so prefer a project file found in the tree and fall back
// to the main file's base name.
func csharpProjectName(dockerfile, mainFile, sourceDir string) string {
	name := strings.TrimSuffix(filepath.Base(mainFile), ".cs")
	if proj := findProjectFile(sourceDir); proj != "" {
		name = strings.TrimSuffix(filepath.Base(proj), ".csproj")
	}
	return strings.ReplaceAll(dockerfile, "{{PROJECT_NAME}}", name)
}

// findProjectFile returns the first .csproj under dir, or "".
func findProjectFile(dir string) string {
	var found string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".csproj") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}
