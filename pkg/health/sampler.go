package health

import (
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
)

// Sampler periodically collects local resource usage and pushes it into a
// sink, normally the local node and health monitor. Peers learn about it
// through health reports built from the same samples.
type Sampler struct {
	dataDir  string
	interval time.Duration
	logger   *logrus.Logger
	sink     func(cluster.Metrics)

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSampler creates a sampler that reads CPU, memory, and disk usage for
// dataDir's filesystem every interval.
func NewSampler(dataDir string, interval time.Duration, logger *logrus.Logger, sink func(cluster.Metrics)) *Sampler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sampler{
		dataDir:  dataDir,
		interval: interval,
		logger:   logger,
		sink:     sink,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Sample collects one snapshot of local resource usage. Collection errors
// leave the corresponding field at zero rather than failing the snapshot.
func (s *Sampler) Sample() cluster.Metrics {
	m := cluster.Metrics{Collected: time.Now()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPU = percents[0]
	} else if err != nil {
		s.logger.WithError(err).Debug("cpu sample failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.Memory = vm.UsedPercent
	} else {
		s.logger.WithError(err).Debug("memory sample failed")
	}

	if du, err := disk.Usage(s.dataDir); err == nil {
		m.Disk = du.UsedPercent
	} else {
		s.logger.WithError(err).Debug("disk sample failed")
	}

	return m
}

// Start runs the sampling loop until Stop is called.
func (s *Sampler) Start() {
	go func() {
		defer close(s.doneChan)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sink(s.Sample())
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.sink(s.Sample())
			}
		}
	}()
}

// Stop terminates the sampling loop.
func (s *Sampler) Stop() {
	close(s.stopChan)
	<-s.doneChan
}
