package engine

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
)

// Device is the compute device a model runs on for its cached lifetime.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

var (
	ortOnce sync.Once
	ortErr  error

	deviceOnce sync.Once
	device     Device
)

// initRuntime initializes the ONNX runtime environment once per
// process. ONNXRUNTIME_SHARED_LIBRARY overrides the library location.
func initRuntime() error {
	ortOnce.Do(func() {
		if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortErr = ort.InitializeEnvironment()
	})
	if ortErr != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", ortErr)
	}
	return nil
}

// selectDevice probes the CUDA execution provider once and falls back
// to CPU when it is unavailable.
func selectDevice() Device {
	deviceOnce.Do(func() {
		device = DeviceCPU
		opts, err := ort.NewSessionOptions()
		if err != nil {
			return
		}
		defer opts.Destroy()
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			return
		}
		device = DeviceCUDA
	})
	return device
}

// newSessionOptions builds session options for the given device.
func newSessionOptions(dev Device) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if dev == DeviceCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to create CUDA provider options: %w", err)
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to enable CUDA execution provider: %w", err)
		}
	}
	return opts, nil
}

// imageToCHW decodes an image, resizes it to size×size and normalizes
// it into CHW float32 layout. Returns the tensor data and the original
// image dimensions.
func imageToCHW(path string, size int) ([]float32, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()

	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)

	data := make([]float32, 3*size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			idx := y*size + x
			data[idx] = float32(r) / 65535.0
			data[size*size+idx] = float32(g) / 65535.0
			data[2*size*size+idx] = float32(b) / 65535.0
		}
	}
	return data, origW, origH, nil
}

// imageSize reads just the dimensions of an image file.
func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
