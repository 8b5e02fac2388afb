package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"docquery/machine"
	"docquery/ml"
	"docquery/pipeline"
)

type trainOptions struct {
	kind        string
	dataFile    string
	modelFile   string
	name        string
	numClasses  int
	numFeatures int
	selection   string
	noise       float64
	chunkSize   int
	numChunks   int
	rounds      int
}

func newTrainCmd() *cobra.Command {
	var opts trainOptions
	cmd := &cobra.Command{
		Use:   "train -t <train file> -o <model file>",
		Short: "Train one machine and save it as a JSON model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := commandLogger(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			snap, err := trainSnapshot(cmd, opts, logger)
			if err != nil {
				return err
			}
			if err := snap.Save(opts.modelFile); err != nil {
				return err
			}
			logger.Info("model saved", zap.String("path", opts.modelFile), zap.String("kind", string(snap.Kind)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.kind, "kind", "k", string(ml.KindMultiClass), "machine kind: multiclass, shared or binary")
	f.StringVarP(&opts.dataFile, "train", "t", "", "training file")
	f.StringVarP(&opts.modelFile, "output", "o", "", "model file to write")
	f.StringVar(&opts.name, "name", "", "model name stored in the file")
	f.IntVar(&opts.numClasses, "classes", 2, "number of classes")
	f.IntVarP(&opts.numFeatures, "features", "v", defaultNumFeatures, "number of features per record")
	f.StringVarP(&opts.selection, "select", "f", "", "colon separated list of selected features")
	f.Float64VarP(&opts.noise, "noise", "n", ml.DefaultNoise, "noise variance added to the score")
	f.IntVarP(&opts.chunkSize, "chunk-size", "s", defaultChunkSize, "size of training chunks")
	f.IntVarP(&opts.numChunks, "chunks", "c", defaultNumChunks, "number of training chunks (shared only)")
	f.IntVar(&opts.rounds, "rounds", 1, "passes over the chunks (shared only)")
	cmd.MarkFlagRequired("train")
	cmd.MarkFlagRequired("output")
	return cmd
}

func trainSnapshot(cmd *cobra.Command, opts trainOptions, logger *zap.Logger) (*ml.Snapshot, error) {
	kind, err := ml.ParseKind(opts.kind)
	if err != nil {
		return nil, err
	}
	selection, err := pipeline.ParseSelection(opts.selection)
	if err != nil {
		return nil, err
	}
	m, err := machine.New(kind, machine.Options{
		NumClasses:  opts.numClasses,
		NumFeatures: opts.numFeatures,
		Selection:   selection,
		Noise:       opts.noise,
		NumChunks:   opts.numChunks,
		Rounds:      opts.rounds,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if opts.name != "" {
		m.SetName(opts.name)
	}
	stats, err := m.TrainFileInChunks(cmd.Context(), opts.dataFile, opts.chunkSize)
	if err != nil {
		return nil, err
	}
	logger.Info("training finished", zap.Int("vectors", stats.Vectors), zap.Int("iterations", stats.Iterations))
	return m.Snapshot()
}

func newPredictCmd() *cobra.Command {
	var modelFile, dataFile, resultFile string
	var numFeatures int
	cmd := &cobra.Command{
		Use:   "predict -m <model file> -p <test file> [-r <result>]",
		Short: "Score a test file with a saved model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			snap, err := ml.LoadModel(modelFile)
			if err != nil {
				return err
			}
			if numFeatures == 0 {
				numFeatures = snap.NumFeatures
			}
			if numFeatures == 0 {
				numFeatures = snap.Dimension
			}
			parser, err := pipeline.NewParser(numFeatures, snap.Selection)
			if err != nil {
				return err
			}
			if parser.Dimension() != snap.Dimension {
				return fmt.Errorf("parser yields %d features, model expects %d: %w", parser.Dimension(), snap.Dimension, ml.ErrDimensionMismatch)
			}

			records, err := pipeline.NewReader(parser, pipeline.DefaultReaderConfig(0)).ReadRecordsFile(dataFile)
			if err != nil {
				return err
			}
			dists, err := snap.Predict(cmd.Context(), pipeline.Vectors(records))
			if err != nil {
				return err
			}

			if resultFile == "" {
				return writePredictions(cmd.OutOrStdout(), snap.Kind, records, dists)
			}
			out, err := os.Create(resultFile)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, out.Close()) }()
			return writePredictions(out, snap.Kind, records, dists)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&modelFile, "model", "m", "", "model file")
	f.StringVarP(&dataFile, "test", "p", "", "test file")
	f.StringVarP(&resultFile, "result", "r", "", "result file, stdout when empty")
	f.IntVarP(&numFeatures, "features", "v", 0, "number of features per record, taken from the model when zero")
	cmd.MarkFlagRequired("model")
	cmd.MarkFlagRequired("test")
	return cmd
}

func writePredictions(w io.Writer, kind ml.Kind, records []pipeline.Record, dists []ml.Distribution) error {
	bw := bufio.NewWriter(w)
	for i, rec := range records {
		fmt.Fprintf(bw, "%d\t%s\t%s\t%s\n", rec.ClassID, rec.QueryID, rec.DocumentID, formatDistribution(kind, dists[i]))
	}
	return bw.Flush()
}
