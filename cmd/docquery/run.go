package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"docquery/machine"
	"docquery/ml"
	"docquery/pipeline"
)

const (
	defaultChunkSize   = 100
	defaultNumChunks   = 150
	defaultNumFeatures = 64
)

type runOptions struct {
	trainFile   string
	testFile    string
	resultFile  string
	chunkSize   int
	numChunks   int
	numFeatures int
	noise       float64
	selection   string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run -t <train file> -p <test file> -r <result>",
		Short: "Train the binary, multi-class and shared machines and score a test file",
		Long: `Trains three machines on the same training file and writes one line per
test record: the record class, the binary relevance probability, and the
multi-class and shared-variable class distributions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := commandLogger(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), opts, logger)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.trainFile, "train", "t", "", "training file")
	f.StringVarP(&opts.testFile, "test", "p", "", "test file")
	f.StringVarP(&opts.resultFile, "result", "r", "", "result file")
	f.IntVarP(&opts.chunkSize, "chunk-size", "s", defaultChunkSize, "size of training chunks")
	f.IntVarP(&opts.numChunks, "chunks", "c", defaultNumChunks, "number of training chunks (shared-variable machine only)")
	f.Float64VarP(&opts.noise, "noise", "n", ml.DefaultNoise, "noise variance added to the score")
	f.IntVarP(&opts.numFeatures, "features", "v", defaultNumFeatures, "number of features per record")
	f.StringVarP(&opts.selection, "select", "f", "", "colon separated list of selected features, e.g. 1:2:3:7")
	for _, name := range []string{"train", "test", "result"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

func run(ctx context.Context, opts runOptions, logger *zap.Logger) (err error) {
	selection, err := pipeline.ParseSelection(opts.selection)
	if err != nil {
		return err
	}
	base := machine.Options{
		NumClasses:  2,
		NumFeatures: opts.numFeatures,
		Selection:   selection,
		Noise:       opts.noise,
		NumChunks:   opts.numChunks,
		Logger:      logger,
	}

	kinds := []ml.Kind{ml.KindBinary, ml.KindMultiClass, ml.KindShared}
	machines := make([]*machine.Machine, len(kinds))
	for i, kind := range kinds {
		m, err := machine.New(kind, base)
		if err != nil {
			return err
		}
		logger.Info("training started", zap.String("machine", string(kind)))
		stats, err := m.TrainFileInChunks(ctx, opts.trainFile, opts.chunkSize)
		if err != nil {
			return fmt.Errorf("train %s: %w", kind, err)
		}
		logger.Info("training finished",
			zap.String("machine", string(kind)),
			zap.Int("vectors", stats.Vectors),
			zap.Duration("duration", stats.Duration))
		machines[i] = m
	}

	in, err := pipeline.Open(opts.testFile)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(opts.resultFile)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, out.Close()) }()

	reader := pipeline.NewReader(machines[0].Parser(), pipeline.DefaultReaderConfig(0))
	written, err := writeResults(ctx, out, reader, in, opts.chunkSize, machines)
	if err != nil {
		return err
	}
	logger.Info("results written", zap.String("path", opts.resultFile), zap.Int("records", written))
	return nil
}

// writeResults scores src chunk by chunk with every machine and writes one
// tab separated line per record.
func writeResults(ctx context.Context, w io.Writer, reader *pipeline.Reader, src io.Reader, chunkSize int, machines []*machine.Machine) (int, error) {
	chunks, err := reader.RecordChunks(src, chunkSize)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(w)
	written := 0
	for {
		records, err := chunks.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, err
		}
		vectors := pipeline.Vectors(records)
		results := make([][]ml.Distribution, len(machines))
		for i, m := range machines {
			if results[i], err = m.Test(ctx, vectors); err != nil {
				return written, fmt.Errorf("test %s: %w", m.Kind(), err)
			}
		}
		for j, rec := range records {
			fmt.Fprintf(bw, "%d %s", rec.ClassID, formatDistribution(machines[0].Kind(), results[0][j]))
			for i := 1; i < len(machines); i++ {
				fmt.Fprintf(bw, "\t%s", formatDistribution(machines[i].Kind(), results[i][j]))
			}
			bw.WriteByte('\n')
			written++
		}
	}
	return written, bw.Flush()
}

// formatDistribution prints binary predictions as the probability of
// relevance and class distributions in full.
func formatDistribution(kind ml.Kind, d ml.Distribution) string {
	if kind == ml.KindBinary {
		return "Bernoulli(" + strconv.FormatFloat(d.Prob(ml.RelevantClass), 'g', 6, 64) + ")"
	}
	return d.String()
}
