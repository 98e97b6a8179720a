package main

import (
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"

	"pointstreamd/internal/pointcloud"
)

func newDecodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <points.bin>",
		Short: "Decode a point payload file and print its stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			pc, err := pointcloud.Decode(data)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", args[0], err)
			}

			format := "raw float32"
			if len(data)%12 != 0 {
				switch data[0] {
				case pointcloud.ModeInt16:
					format = "quantized int16"
				case pointcloud.ModeFP16:
					format = "quantized fp16"
				}
			}

			fmt.Printf("file:    %s (%d bytes)\n", args[0], len(data))
			fmt.Printf("format:  %s\n", format)
			fmt.Printf("points:  %d\n", pc.PointCount)
			if pc.PointCount > 0 {
				lo, hi := bounds(pc.Positions)
				fmt.Printf("min:     (%.3f, %.3f, %.3f)\n", lo[0], lo[1], lo[2])
				fmt.Printf("max:     (%.3f, %.3f, %.3f)\n", hi[0], hi[1], hi[2])
			}
			return nil
		},
	}
}

func bounds(positions []float32) (lo, hi [3]float32) {
	for axis := 0; axis < 3; axis++ {
		lo[axis] = float32(math.Inf(1))
		hi[axis] = float32(math.Inf(-1))
	}
	for i, p := range positions {
		axis := i % 3
		if p < lo[axis] {
			lo[axis] = p
		}
		if p > hi[axis] {
			hi[axis] = p
		}
	}
	return lo, hi
}
