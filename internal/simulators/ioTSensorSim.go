package simulators

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/amine-amaach/uacore/internal/component"
	"github.com/awcullen/opcua/ua"
	"go.uber.org/zap"
)

// IoTSensorSim produces a random walk around a mean value and writes it to
// its variable node.
type IoTSensorSim struct {
	sync.Mutex
	SensorId string
	// sensor data mean value
	mean float64
	// sensor data standard deviation value
	standardDeviation float64
	currentValue      float64

	// Delay between each data point
	delayMin time.Duration
	delayMax time.Duration
	// Randomize delay between data points if true,
	// otherwise delayMin will be set as fixed delay
	randomize bool

	rnd  *rand.Rand
	node *Node
}

func NewIoTSensorSim(cfg component.IoTSensor, node *Node) *IoTSensorSim {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	delayMin := time.Duration(cfg.DelayMin) * time.Millisecond
	if delayMin <= 0 {
		delayMin = time.Millisecond
	}
	delayMax := time.Duration(cfg.DelayMax) * time.Millisecond
	if delayMax < delayMin {
		delayMax = delayMin
	}
	return &IoTSensorSim{
		SensorId:          cfg.SensorId,
		mean:              cfg.Mean,
		standardDeviation: math.Abs(cfg.Std),
		currentValue:      cfg.Mean - rnd.Float64(),
		delayMin:          delayMin,
		delayMax:          delayMax,
		randomize:         cfg.Randomize,
		rnd:               rnd,
		node:              node,
	}
}

func (s *IoTSensorSim) Node() *Node {
	return s.node
}

// NextValue advances the walk by one step.
func (s *IoTSensorSim) NextValue() float64 {
	s.Lock()
	defer s.Unlock()
	// first calculate how much the value will be changed
	valueChange := s.rnd.Float64() * s.standardDeviation / 10
	// apply valueChange in the decided direction
	s.currentValue += valueChange * s.decideFactor()
	return s.currentValue
}

func (s *IoTSensorSim) decideFactor() float64 {
	var (
		continueDirection, changeDirection float64
		distance                           float64 // the distance from the mean.
	)
	if s.currentValue > s.mean {
		distance = s.currentValue - s.mean
		continueDirection = 1
		changeDirection = -1
	} else {
		distance = s.mean - s.currentValue
		continueDirection = -1
		changeDirection = 1
	}
	// A zero distance gives a 50/50 chance to keep the direction; the
	// further from the mean, the likelier the walk turns back.
	chance := (s.standardDeviation / 2) - (distance / 50)
	if s.standardDeviation*s.rnd.Float64() < chance {
		return continueDirection
	}
	return changeDirection
}

// UpdateSensorParams restarts the walk around a new mean.
func (s *IoTSensorSim) UpdateSensorParams(mean, standardDeviation float64) {
	s.Lock()
	defer s.Unlock()
	s.mean = mean
	s.currentValue = mean - s.rnd.Float64()
	s.standardDeviation = math.Abs(standardDeviation)
}

// OutOfRange reports whether v is more than two standard deviations away
// from the mean.
func (s *IoTSensorSim) OutOfRange(v float64) bool {
	s.Lock()
	defer s.Unlock()
	return math.Abs(v-s.mean) > 2*s.standardDeviation
}

func (s *IoTSensorSim) nextDelay() time.Duration {
	if !s.randomize || s.delayMax == s.delayMin {
		return s.delayMin
	}
	s.Lock()
	defer s.Unlock()
	return s.delayMin + time.Duration(s.rnd.Int63n(int64(s.delayMax-s.delayMin)))
}

// Run writes a new value to the node after every delay until ctx is done.
// Values leaving the expected range raise an event on the Server object.
func (s *IoTSensorSim) Run(ctx context.Context, space *AddressSpace, logger *zap.SugaredLogger) {
	logger.Debugf("Sensor %s started running 🔔", s.SensorId)
	defer logger.Debugf("Sensor %s got shutdown signal 🔔", s.SensorId)

	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			v := s.NextValue()
			s.node.Write(v, ua.Good)
			if s.OutOfRange(v) {
				space.RaiseEvent(s.node, 500, "Sensor "+s.SensorId+" out of range")
			}
			timer.Reset(s.nextDelay())
		}
	}
}
