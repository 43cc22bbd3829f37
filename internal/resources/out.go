package resources

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/statefile"
	"github.com/ChuLiYu/runsh/pkg/types"
)

// versionOut publishes a new version for image/file resources.
//
// Flow:
//   1. validate sourceName / version.versionName
//   2. read OUT/<name>/version.json       missing → skip
//   3. read state/<name>.env              missing or unparsable → skip
//   4. post a version when versionName in the env file differs
func versionOut(kind string) StepFunc {
	return func(ctx context.Context, env *Env, dep *types.Dependency) error {
		var problems []string
		if dep.SourceName == "" {
			problems = append(problems, kind+" is missing: dependency.sourceName")
		}
		if dep.Version == nil || dep.Version.VersionName == "" {
			problems = append(problems, kind+" is missing: dependency.version.versionName")
		}
		if err := validate(env.Console, problems); err != nil {
			return err
		}

		var current VersionFile
		versionPath := filepath.Join(env.OutDir(), dep.Name, "version.json")
		_, _ = env.Console.OpenCommand("Reading " + kind + " file")
		if err := statefile.ReadJSON(versionPath, &current); err != nil {
			env.Console.PublishMessage(fmt.Sprintf("Failed to read %s file. Hence skipping.", kind))
			env.Console.CloseCommand(false)
			return nil
		}
		env.Console.PublishMessage(fmt.Sprintf("Successfully read %s file", kind))
		env.Console.CloseCommand(true)

		envPath := filepath.Join(env.StateDir(), dep.Name+".env")
		_, _ = env.Console.OpenCommand("Reading " + kind + " env file")
		values, err := godotenv.Read(envPath)
		if err != nil {
			env.Console.PublishMessage(fmt.Sprintf("Could not parse file %s. Hence Skipping.", envPath))
			env.Console.CloseCommand(false)
			return nil
		}
		newName := values["versionName"]
		delete(values, "versionName")
		if newName != "" {
			env.Console.PublishMessage("Found versionName " + newName)
		} else {
			env.Console.PublishMessage("No versionName found")
		}
		env.Console.CloseCommand(true)

		oldName := ""
		if current.Version != nil {
			oldName = current.Version.VersionName
		}
		if newName == "" || newName == oldName {
			return nil
		}

		bag := make(map[string]any, len(values))
		for k, v := range values {
			bag[k] = v
		}
		next := types.Version{
			ResourceID:  current.ResourceID,
			ProjectID:   current.ProjectID,
			VersionName: newName,
			PropertyBag: bag,
		}
		return runCommand(env.Console, "Posting new version", "", func() error {
			posted, err := env.API.PostVersion(ctx, next)
			if err != nil {
				return fmt.Errorf("failed to post version for resourceId: %s: %w", next.ResourceID, err)
			}
			env.Console.PublishMessage(fmt.Sprintf("Post version for resourceId: %s succeeded with version %s",
				posted.ResourceID, posted.VersionName))
			env.logger().Info("posted new version",
				zap.String("resource", dep.Name),
				zap.String("versionName", posted.VersionName))
			return nil
		})
	}
}
