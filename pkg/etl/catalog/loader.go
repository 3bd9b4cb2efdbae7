package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

// Seeding loads catalog rows from YAML files handed to the CLI and appends
// them to the catalog tables after validation. The catalog is append-only,
// so re-seeding the same file duplicates rows; callers seed once per job.

// jobConfigFile is the shape of a --config YAML file.
type jobConfigFile struct {
	Jobs []map[string]interface{} `yaml:"jobs"`
}

// columnMetadataFile is the shape of a --metadata YAML file.
type columnMetadataFile struct {
	Columns []map[string]interface{} `yaml:"columns"`
}

// SeedJobConfigs parses, validates and appends the job rows in the YAML file
// at path. All rows are validated before any row is written.
func SeedJobConfigs(ctx context.Context, repo Repository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return exception.New(moduleName, exception.KindConfig, fmt.Sprintf("failed to read job config file '%s'", path), err)
	}

	var file jobConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return exception.New(moduleName, exception.KindConfig, fmt.Sprintf("failed to parse job config file '%s'", path), err)
	}

	var result *multierror.Error
	configs := make([]JobConfig, 0, len(file.Jobs))
	for i, raw := range file.Jobs {
		var cfg JobConfig
		if err := decodeRecord(raw, &cfg); err != nil {
			result = multierror.Append(result, exception.New(moduleName, exception.KindValidation,
				fmt.Sprintf("job entry %d in '%s' could not be decoded", i+1, path), err))
			continue
		}
		cfg.SourceType = SourceType(strings.ToLower(string(cfg.SourceType)))
		cfg.TargetSchema = TargetSchema(strings.ToLower(string(cfg.TargetSchema)))
		cfg.LoadType = LoadType(strings.ToLower(string(cfg.LoadType)))
		if err := ValidateJobConfig(&cfg); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		configs = append(configs, cfg)
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	logger.Infof("Loaded %d valid job config row(s) from '%s'.", len(configs), path)
	return repo.InsertJobConfigs(ctx, configs)
}

// SeedColumnMetadata parses, validates and appends the column rows in the
// YAML file at path. All rows are validated before any row is written.
func SeedColumnMetadata(ctx context.Context, repo Repository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return exception.New(moduleName, exception.KindConfig, fmt.Sprintf("failed to read column metadata file '%s'", path), err)
	}

	var file columnMetadataFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return exception.New(moduleName, exception.KindConfig, fmt.Sprintf("failed to parse column metadata file '%s'", path), err)
	}

	var result *multierror.Error
	metadata := make([]ColumnMetadata, 0, len(file.Columns))
	for i, raw := range file.Columns {
		var m ColumnMetadata
		if err := decodeRecord(raw, &m); err != nil {
			result = multierror.Append(result, exception.New(moduleName, exception.KindValidation,
				fmt.Sprintf("column entry %d in '%s' could not be decoded", i+1, path), err))
			continue
		}
		m.TargetDataType = strings.ToUpper(m.TargetDataType)
		if m.SourceColumnName == "" {
			m.SourceColumnName = m.TargetColumnName
		}
		if err := ValidateColumnMetadata(&m); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		metadata = append(metadata, m)
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	logger.Infof("Loaded %d valid column metadata row(s) from '%s'.", len(metadata), path)
	return repo.InsertColumnMetadata(ctx, metadata)
}

// decodeRecord binds a YAML map onto a typed catalog record. Weak typing
// tolerates unquoted scalars ("1" vs 1, yes vs true) in hand-written files.
func decodeRecord(raw map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
