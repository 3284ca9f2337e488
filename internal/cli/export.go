package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/ctw/internal/config"
	"github.com/atlasmap-sc/ctw/internal/data/anndata"
	"github.com/atlasmap-sc/ctw/internal/dataset"
	"github.com/atlasmap-sc/ctw/internal/pipeline"
)

type exportFlags struct {
	clusterColumn  string
	cellTypeColumn string
	embedding      string
	outputDir      string
	cellTypePolicy string
	topN           int
	method         string
	maxCells       int
	seed           int64
	noPreview      bool
}

func (a *app) fromScanpyCommand() *cobra.Command {
	var f exportFlags
	def := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "from-scanpy WORKSHEET_NAME DATASET_PATH",
		Short: "Export an AnnData dataset as <WORKSHEET_NAME>.ctw.tgz",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.exportOptions(cmd, &f, args[0])
			if err != nil {
				return err
			}

			ds, err := anndata.OpenWithCacheSize(args[1], a.cfg.Data.ArrayCacheSize)
			if err != nil {
				return err
			}
			defer ds.Close()
			a.logger.Info("Opened dataset",
				zap.String("path", ds.Path()),
				zap.Int("cells", ds.NObs()))

			res, err := pipeline.NewExporter(a.logger).Run(ds, opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, res.Archive)
			return err
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.clusterColumn, "cluster-name", def.Export.ClusterColumn, "obs column holding cluster labels")
	fl.StringVar(&f.cellTypeColumn, "celltype-key", def.Export.CellTypeColumn, "obs column holding cell type annotations")
	fl.StringVar(&f.embedding, "embedding", def.Export.EmbeddingKey, "obsm key of the 2D coordinates")
	fl.StringVarP(&f.outputDir, "output-dir", "o", def.Export.OutputDir, "Directory receiving the archive")
	fl.StringVar(&f.cellTypePolicy, "celltype-policy", def.Export.CellTypePolicy, "Missing cell type column: empty or strict")
	fl.IntVar(&f.topN, "top-n", def.Markers.TopN, "Marker genes kept per cluster (0 or negative keeps all)")
	fl.StringVar(&f.method, "method", def.Markers.Method, "Marker ranking: wilcoxon or t-test")
	fl.IntVar(&f.maxCells, "max-cells-per-cluster", def.Markers.MaxCellsPerCluster, "Sample clusters down to this many cells (0 disables)")
	fl.Int64Var(&f.seed, "seed", def.Markers.Seed, "Sampling seed")
	fl.BoolVar(&f.noPreview, "no-preview", def.Preview.Disabled, "Do not render preview.png")
	return cmd
}

// exportOptions merges the config file with the flags set on the command line.
func (a *app) exportOptions(cmd *cobra.Command, f *exportFlags, name string) (pipeline.Options, error) {
	cfg := *a.cfg
	fl := cmd.Flags()
	if fl.Changed("cluster-name") {
		cfg.Export.ClusterColumn = f.clusterColumn
	}
	if fl.Changed("celltype-key") {
		cfg.Export.CellTypeColumn = f.cellTypeColumn
	}
	if fl.Changed("embedding") {
		cfg.Export.EmbeddingKey = f.embedding
	}
	if fl.Changed("output-dir") {
		cfg.Export.OutputDir = f.outputDir
	}
	if fl.Changed("celltype-policy") {
		cfg.Export.CellTypePolicy = f.cellTypePolicy
	}
	if fl.Changed("top-n") {
		cfg.Markers.TopN = f.topN
	}
	if fl.Changed("method") {
		cfg.Markers.Method = f.method
	}
	if fl.Changed("max-cells-per-cluster") {
		cfg.Markers.MaxCellsPerCluster = f.maxCells
	}
	if fl.Changed("seed") {
		cfg.Markers.Seed = f.seed
	}
	if fl.Changed("no-preview") {
		cfg.Preview.Disabled = f.noPreview
	}

	policy, err := dataset.ParseCellTypePolicy(cfg.Export.CellTypePolicy)
	if err != nil {
		return pipeline.Options{}, err
	}
	mopts, err := cfg.MarkerOptions()
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		Name:           name,
		OutputDir:      cfg.Export.OutputDir,
		ClusterColumn:  cfg.Export.ClusterColumn,
		CellTypeColumn: cfg.Export.CellTypeColumn,
		EmbeddingKey:   cfg.Export.EmbeddingKey,
		CellTypePolicy: policy,
		Markers:        mopts,
		Preview:        !cfg.Preview.Disabled,
		Render:         cfg.Preview.Config,
	}, nil
}

func (a *app) scanpyObsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scanpy-obs DATASET_PATH",
		Short: "List the obs column names of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := anndata.OpenWithCacheSize(args[0], a.cfg.Data.ArrayCacheSize)
			if err != nil {
				return err
			}
			defer ds.Close()
			for _, key := range ds.ObsKeys() {
				if _, err := fmt.Fprintln(a.stdout, key); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
