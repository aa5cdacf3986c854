package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	sct "github.com/bvarner/pi-short-circuit"
	"github.com/bvarner/pi-short-circuit/internal/archive"
	"github.com/bvarner/pi-short-circuit/internal/config"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	In  io.Reader
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		In:     os.Stdin,
		Out:    os.Stdout,
	}
}

// RunOptions select how a test is driven.
type RunOptions struct {
	// Skip the operator confirmation.
	Yes bool
	// Hardware, when nil the stand configured in Config is opened.
	Hardware Hardware
}

// Hardware is the stand: two analog inputs and four digital outputs.
type Hardware struct {
	Task  sct.AnalogTask
	Lines sct.ActuatorLines
}

// Outcome is what a finished or failed run left behind.
type Outcome struct {
	Result sct.Result
	Files  sct.RunFiles
	Bundle string
}

// OpenStand opens the IIO analog task and the GPIO lines.
func (a *App) OpenStand() (Hardware, error) {
	acq := a.Config.Acquisition
	task, err := sct.NewIIOTask(acq.Device, acq.Trigger, a.Logger)
	if err != nil {
		return Hardware{}, fmt.Errorf("open analog inputs: %w", err)
	}

	names := a.Config.Lines
	var opened []sct.Line
	open := func(name string) sct.Line {
		if err != nil {
			return nil
		}
		var l *sct.GPIOLine
		l, err = sct.OpenLine(name)
		if err != nil {
			err = fmt.Errorf("open line %s: %w", name, err)
			return nil
		}
		opened = append(opened, l)
		return l
	}
	lines := sct.ActuatorLines{
		Contactor: open(names.Contactor),
		Switch:    open(names.Switch),
		Pyro:      open(names.Pyro),
		Indicator: open(names.Indicator),
	}
	if err != nil {
		for _, l := range opened {
			l.Close()
		}
		return Hardware{}, err
	}
	return Hardware{Task: task, Lines: lines}, nil
}

// Run executes one short circuit test.
func (a *App) Run(ctx context.Context, opts RunOptions) (Outcome, error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings := a.Config.Settings()
	if err := settings.Validate(); err != nil {
		return Outcome{}, err
	}

	hw := opts.Hardware
	if hw.Task == nil {
		var err error
		if hw, err = a.OpenStand(); err != nil {
			return Outcome{}, err
		}
	}

	emitter := sct.NewEmitter()
	emitter.Throttle("Reading", a.Config.Monitor.ReadingInterval)

	actuators, err := sct.NewActuators(hw.Lines, sct.WallClock{}, a.Logger)
	if err != nil {
		return Outcome{}, errors.Join(err, actuators.DisableAll())
	}
	stream := sct.NewStream(hw.Task, settings.StreamOptions(emitter))

	var recorders []sct.Recordable
	camera, stopCamera := a.openCamera()
	if camera != nil {
		defer stopCamera()
		recorders = append(recorders, camera)
	}

	var operator sct.Operator = &sct.ConsoleOperator{In: a.In, Out: a.Out}
	if opts.Yes {
		operator = sct.AutoOperator{Logger: a.Logger}
	}

	seq := sct.NewSequence(settings, actuators, stream, sct.SequenceOptions{
		Operator:  operator,
		Emitter:   emitter,
		Logger:    a.Logger,
		Recorders: recorders,
	})

	if a.Config.Monitor.Addr != "" {
		shutdown := a.serveMonitor(emitter, seq.Status, camera)
		defer shutdown()
	}

	result, runErr := seq.Run(ctx)
	out := Outcome{Result: result}

	if errors.Is(runErr, sct.ErrSequenceAborted) {
		return out, runErr
	}

	ds := result.Dataset
	if runErr != nil {
		// Keep whatever was captured before the failure.
		if ds, err = sct.Finalize(stream.Snapshot(), settings.Rate, settings.OnsetOffset()); err != nil {
			ds = sct.Dataset{Rate: settings.Rate, Onset: settings.OnsetOffset()}
		}
		ds.Run = settings.Name
		ds.Started = result.Started
		ds.Decision = result.Decision
		out.Result.Dataset = ds
	}

	if len(ds.Samples) > 0 {
		files, err := sct.Save(a.Config.Output.Dir, ds, result.Started, a.Config.Output.Plot)
		if err != nil {
			a.Logger.Error().Err(err).Msg("save run data")
			runErr = errors.Join(runErr, err)
		} else {
			out.Files = files
			a.Logger.Info().Str("csv", files.CSV).Str("png", files.PNG).Msg("run data saved")
		}

		if a.Config.Output.Bundle {
			path, err := a.writeBundle(ds, camera)
			if err != nil {
				a.Logger.Error().Err(err).Msg("write bundle")
			}
			out.Bundle = path
		}
	}

	if a.Config.Archive.DSN != "" {
		if err := a.archive(ds, out.Files.CSV, runErr); err != nil {
			a.Logger.Error().Err(err).Msg("archive run")
		}
	}

	if runErr == nil {
		fmt.Fprintf(a.Out, "%s: %s, max current %.3f A, %d samples\n",
			settings.Name, result.Decision, ds.MaxCurrent, len(ds.Samples))
	}
	return out, runErr
}

func (a *App) openCamera() (*sct.Camera, func()) {
	if a.Config.Camera.Device == "" {
		return nil, func() {}
	}
	source, err := sct.OpenWebcam(a.Config.Camera.Device)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("camera not initialized")
		return nil, func() {}
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / a.Config.Camera.FPS))
	camera := sct.NewCamera(source, ticker.C, a.Logger)
	return camera, func() {
		ticker.Stop()
		camera.Close()
	}
}

func (a *App) serveMonitor(emitter *sct.Emitter, status sct.StatusFunc, camera *sct.Camera) func() {
	broker := sct.NewBroker()
	broker.Start()
	emitter.AddListener(broker.Outgoing)

	srv := &http.Server{
		Addr:              a.Config.Monitor.Addr,
		Handler:           sct.NewMonitor(broker, status, camera),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("monitor server")
		}
	}()
	a.Logger.Info().Str("addr", srv.Addr).Msg("monitor listening")

	return func() {
		emitter.RemoveListener(broker.Outgoing)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		broker.Stop()
	}
}

func (a *App) writeBundle(ds sct.Dataset, camera *sct.Camera) (string, error) {
	path := filepath.Join(a.Config.Output.Dir, ds.BaseName(ds.Started)+".zip")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	sources := []sct.RecordedData{ds}
	if camera != nil {
		sources = append(sources, camera)
	}
	if err := sct.WriteBundle(f, sources...); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

func (a *App) archive(ds sct.Dataset, csvPath string, runErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Archive.Timeout)
	defer cancel()

	pool, err := archive.NewPool(ctx, a.Config.Archive)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := archive.NewStore(pool, a.Logger)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	return store.SaveRun(ctx, ds, csvPath, runErr)
}
