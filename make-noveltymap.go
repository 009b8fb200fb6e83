package main

import (
	"fmt"
	"image"
	"image/draw"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/eligwz/spectrogram"

	"github.com/strumline/strumline/internal/audio"
	"github.com/strumline/strumline/internal/onset"
)

// Detector tuning aid: renders every capture in a directory as a spectrogram
// PNG with the novelty curve drawn along the bottom and each detected onset
// marked by a vertical line. Eyeballing these against real takes is how the
// threshold and spacing defaults were chosen.
//
// Usage: go run make-noveltymap.go [capture-dir] [output-dir]
func main() {
	inputDir := "captures"
	outputDir := "noveltymaps"
	if len(os.Args) > 1 {
		inputDir = os.Args[1]
	}
	if len(os.Args) > 2 {
		outputDir = os.Args[2]
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		log.Fatal(err)
	}

	cfg := onset.DefaultConfig()

	err := filepath.WalkDir(inputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".wav" {
			return nil
		}

		fmt.Printf("Processing %s...\n", path)

		samples, sampleRate, err := audio.ReadWAVMono(path)
		if err != nil {
			log.Printf("Error reading %s: %v", path, err)
			return nil
		}
		if len(samples) == 0 {
			log.Printf("No samples in %s", path)
			return nil
		}
		duration := float64(len(samples)) / float64(sampleRate)
		fmt.Printf("Read %d samples at %d Hz (%.2fs)\n", len(samples), sampleRate, duration)

		novelty, err := onset.NoveltyCurve(samples, sampleRate, cfg)
		if err != nil {
			log.Printf("Error computing novelty for %s: %v", path, err)
			return nil
		}
		stream, err := onset.Detect(samples, sampleRate, cfg)
		if err != nil {
			log.Printf("Error detecting onsets in %s: %v", path, err)
			return nil
		}
		events := stream.Events()
		fmt.Printf("Detected %d onset(s)\n", len(events))

		width := 2048
		height := 512
		img := spectrogram.NewImage128(image.Rect(0, 0, width, height))

		// Fill with black background first
		black := spectrogram.ParseColor("000000")
		draw.Draw(img, img.Bounds(), image.NewUniform(black), image.Point{}, draw.Src)

		// Spectrogram via FFT, Hamming window, linear magnitude scale
		spectrogram.Drawfft(
			img,
			samples,
			uint32(sampleRate),
			uint32(height), // bins
			false,          // RECTANGLE (use Hamming window)
			false,          // DFT (use FFT instead)
			true,           // MAG (magnitude)
			false,          // LOG10 (linear scale)
		)

		// Novelty curve along the bottom quarter, one column per frame
		curveBase := height - 1
		curveSpan := height / 4
		green := spectrogram.ParseColor("30FF60")
		frameTime := float64(cfg.HopSize) / float64(sampleRate)
		for i, v := range novelty {
			x := int(float64(i) * frameTime / duration * float64(width))
			if x < 0 || x >= width {
				continue
			}
			top := curveBase - int(v*float64(curveSpan))
			draw.Draw(img, image.Rect(x, top, x+1, curveBase+1), image.NewUniform(green), image.Point{}, draw.Src)
		}

		// One full-height line per detected onset
		red := spectrogram.ParseColor("FF2D2D")
		for _, ev := range events {
			x := int(ev.Time / duration * float64(width))
			if x < 0 || x >= width {
				continue
			}
			draw.Draw(img, image.Rect(x, 0, x+1, height), image.NewUniform(red), image.Point{}, draw.Src)
		}

		baseName := filepath.Base(path)
		outputPath := filepath.Join(outputDir, baseName+".png")
		if err := spectrogram.SavePng(img, outputPath); err != nil {
			log.Printf("Error saving PNG for %s: %v", outputPath, err)
			return nil
		}

		fmt.Printf("Saved novelty map to %s\n", outputPath)
		return nil
	})

	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Done!")
}
