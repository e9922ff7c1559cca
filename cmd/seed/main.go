// Command seed loads the counselor catalog from a YAML file into the state
// table.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"patpat-agent/internal/domain"
	"patpat-agent/internal/repository"
)

type catalogFile struct {
	Counselors []domain.Counselor `yaml:"counselors"`
}

type counselorWriter interface {
	PutCounselor(ctx context.Context, co domain.Counselor) error
}

func main() {
	file := pflag.StringP("file", "f", "counselors.yaml", "path to the counselor catalog")
	table := pflag.StringP("table", "t", os.Getenv("PATPAT_STATE_TABLE"), "DynamoDB state table")
	dryRun := pflag.Bool("dry-run", false, "validate the catalog without writing")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	f, err := os.Open(*file)
	if err != nil {
		logger.Error("failed to open catalog", "file", *file, "err", err)
		os.Exit(1)
	}
	defer f.Close()

	counselors, err := loadCounselors(f)
	if err != nil {
		logger.Error("invalid catalog", "file", *file, "err", err)
		os.Exit(1)
	}
	if *dryRun {
		logger.Info("catalog is valid", "counselors", len(counselors))
		return
	}

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}
	repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), *table)
	if err != nil {
		logger.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	if err := seed(ctx, repo, counselors); err != nil {
		logger.Error("seed failed", "err", err)
		os.Exit(1)
	}
	logger.Info("catalog seeded", "table", *table, "counselors", len(counselors))
}

// loadCounselors decodes and validates a catalog. Entries without an explicit
// order keep their position in the file.
func loadCounselors(r io.Reader) ([]domain.Counselor, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cat catalogFile
	if err := dec.Decode(&cat); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(cat.Counselors) == 0 {
		return nil, errors.New("catalog has no counselors")
	}

	seen := make(map[string]bool, len(cat.Counselors))
	var errs []error
	for i := range cat.Counselors {
		co := &cat.Counselors[i]
		co.ID = strings.TrimSpace(co.ID)
		switch {
		case co.ID == "":
			errs = append(errs, fmt.Errorf("counselor #%d: id is required", i+1))
			continue
		case seen[co.ID]:
			errs = append(errs, fmt.Errorf("counselor %q: duplicate id", co.ID))
		}
		seen[co.ID] = true
		if strings.TrimSpace(co.Name) == "" {
			errs = append(errs, fmt.Errorf("counselor %q: name is required", co.ID))
		}
		if strings.TrimSpace(co.Prompt) == "" {
			errs = append(errs, fmt.Errorf("counselor %q: prompt is required", co.ID))
		}
		if co.Order == 0 {
			co.Order = i + 1
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cat.Counselors, nil
}

func seed(ctx context.Context, w counselorWriter, counselors []domain.Counselor) error {
	for _, co := range counselors {
		if err := w.PutCounselor(ctx, co); err != nil {
			return fmt.Errorf("put %s: %w", co.ID, err)
		}
	}
	return nil
}
