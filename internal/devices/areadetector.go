package devices

import (
	"context"
	"fmt"
	"time"

	"github.com/apsidal/beamline-core/internal/epics/ca"
)

// Detector states from the areaDetector DetectorState_RBV enum.
const (
	detectorIdle      = 0
	detectorAcquiring = 1
)

// AreaDetector is an EPICS areaDetector camera with its HDF5 file
// writer plugin. Trigger starts one acquisition and waits for the
// detector to return to idle.
type AreaDetector struct {
	base

	acquire       *Signal
	acquireTime   *Signal
	numImages     *Signal
	imageMode     *Signal
	detectorState *Signal
	arrayCounter  *Signal
	gain          *Signal

	hdfEnable   *Signal
	hdfFilePath *Signal
	hdfFileName *Signal
	hdfCapture  *Signal
	hdfNumCapt  *Signal
	hdfFullName *Signal
}

// NewAreaDetector declares the camera and its file writer.
//
// Parameters:
//   - prefix: IOC prefix up to the plugin suffixes (e.g. "25idSimDet:")
//   - name: Registry name (e.g. "eiger")
func NewAreaDetector(prefix, name string) *AreaDetector {
	d := &AreaDetector{}
	d.name = name
	d.labels = []string{"area_detectors", "detectors"}

	cam := prefix + "cam1:"
	d.acquire = d.add(&Signal{Name: "acquire", PV: cam + "Acquire", Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	d.acquireTime = d.add(&Signal{Name: "acquire_time", PV: cam + "AcquireTime", Kind: KindConfig, Type: ca.DBRDouble, Writable: true, Units: "s"})
	d.numImages = d.add(&Signal{Name: "num_images", PV: cam + "NumImages", Kind: KindConfig, Type: ca.DBRLong, Writable: true})
	d.imageMode = d.add(&Signal{Name: "image_mode", PV: cam + "ImageMode", Kind: KindConfig, Type: ca.DBREnum, Writable: true})
	d.detectorState = d.add(&Signal{Name: "detector_state", PV: cam + "DetectorState_RBV", Kind: KindOmitted, Type: ca.DBREnum})
	d.arrayCounter = d.add(&Signal{Name: "array_counter", PV: cam + "ArrayCounter_RBV", Kind: KindNormal, Type: ca.DBRLong})
	d.gain = d.add(&Signal{Name: "gain", PV: cam + "Gain", Kind: KindConfig, Type: ca.DBRDouble, Writable: true})

	hdf := prefix + "HDF1:"
	d.hdfEnable = d.add(&Signal{Name: "hdf_enable", PV: hdf + "EnableCallbacks", Kind: KindConfig, Type: ca.DBRShort, Writable: true})
	d.hdfFilePath = d.add(&Signal{Name: "hdf_file_path", PV: hdf + "FilePath", Kind: KindConfig, Type: ca.DBRString, Writable: true})
	d.hdfFileName = d.add(&Signal{Name: "hdf_file_name", PV: hdf + "FileName", Kind: KindConfig, Type: ca.DBRString, Writable: true})
	d.hdfCapture = d.add(&Signal{Name: "hdf_capture", PV: hdf + "Capture", Kind: KindOmitted, Type: ca.DBRShort, Writable: true})
	d.hdfNumCapt = d.add(&Signal{Name: "hdf_num_capture", PV: hdf + "NumCapture", Kind: KindConfig, Type: ca.DBRLong, Writable: true})
	d.hdfFullName = d.add(&Signal{Name: "hdf_full_file_name", PV: hdf + "FullFileName_RBV", Kind: KindNormal, Type: ca.DBRString})
	return d
}

// SetExposure configures the acquire time in seconds.
func (d *AreaDetector) SetExposure(ctx context.Context, seconds float64) error {
	return d.acquireTime.Put(ctx, seconds)
}

// Trigger starts a single acquisition and waits for the detector to
// return to idle.
func (d *AreaDetector) Trigger(ctx context.Context) error {
	if err := d.acquire.Put(ctx, int16(1)); err != nil {
		return fmt.Errorf("area detector %s: %w", d.name, err)
	}

	ticker := time.NewTicker(movePollInterval)
	defer ticker.Stop()
	started := false
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("area detector %s: %w", d.name, ctx.Err())
		case <-ticker.C:
		}
		st, err := d.detectorState.GetFloat(ctx)
		if err != nil {
			return err
		}
		if int(st) != detectorIdle {
			started = true
			continue
		}
		if started {
			return nil
		}
		// Fast exposures can complete between polls. A raw Get on the
		// acquire bit disambiguates.
		busy, err := d.acquire.GetFloat(ctx)
		if err != nil {
			return err
		}
		if busy == 0 {
			return nil
		}
	}
}

// Stage arms the HDF5 writer for capture.
func (d *AreaDetector) Stage(ctx context.Context) error {
	if err := d.hdfEnable.Put(ctx, int16(1)); err != nil {
		return err
	}
	return d.hdfCapture.Put(ctx, int16(1))
}

// Unstage stops the HDF5 capture.
func (d *AreaDetector) Unstage(ctx context.Context) error {
	return d.hdfCapture.Put(ctx, int16(0))
}

// LastFile returns the most recent file written by the HDF5 plugin.
func (d *AreaDetector) LastFile(ctx context.Context) (string, error) {
	v, err := d.hdfFullName.Get(ctx)
	if err != nil {
		return "", err
	}
	s, ok := v.Value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s full_file_name", ErrNotString, d.name)
	}
	return s, nil
}
