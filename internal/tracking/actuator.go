package tracking

import (
	"context"
	"fmt"

	"github.com/banshee-data/follow.pilot/internal/monitoring"
)

// LogActuator logs setpoints instead of flying them. It is the dry-run
// vehicle.
type LogActuator struct{}

func (LogActuator) SetVelocityBody(_ context.Context, forward, right, down, yawRateDeg float64) error {
	monitoring.Logf("SETPOINT fwd=%.2f right=%.2f down=%.2f yaw=%.1f", forward, right, down, yawRateDeg)
	return nil
}

// CommandSender is a line-oriented link such as serialmux.SerialMux.
type CommandSender interface {
	SendCommand(command string) error
}

// SerialActuator forwards setpoints to the flight-controller companion as
// "VEL <forward> <right> <down> <yaw>" lines.
type SerialActuator struct {
	Link CommandSender
}

// FormatVelocity renders a setpoint in the companion link's wire format.
func FormatVelocity(forward, right, down, yawRateDeg float64) string {
	return fmt.Sprintf("VEL %.3f %.3f %.3f %.2f", forward, right, down, yawRateDeg)
}

func (a SerialActuator) SetVelocityBody(ctx context.Context, forward, right, down, yawRateDeg float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.Link.SendCommand(FormatVelocity(forward, right, down, yawRateDeg)); err != nil {
		return fmt.Errorf("send setpoint: %w", err)
	}
	return nil
}
