package outswitch

import (
	"fmt"
	"net"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

const paClientName = "outswitch"

// paEnumerator lists PulseAudio sinks. the sink name doubles as the persistent endpoint ID
type paEnumerator struct {
	logger    *zap.SugaredLogger
	apartment apartment
}

func newEnumerator(logger *zap.SugaredLogger, _ policySource) (Enumerator, error) {
	e := &paEnumerator{
		logger:    logger.Named("enumerator"),
		apartment: noopApartment{},
	}

	e.logger.Debug("Created PA enumerator instance")

	return e, nil
}

func (e *paEnumerator) List() []AudioDevice {
	devices := []AudioDevice{}

	err := withSession(e.apartment, func() error {
		return withPulseClient(func(client *proto.Client) error {
			request := proto.GetSinkInfoList{}
			reply := proto.GetSinkInfoListReply{}

			if err := client.Request(&request, &reply); err != nil {
				return fmt.Errorf("%w: get sink info list: %w", ErrEnumeration, err)
			}

			devices = sinksToDevices(e.logger, reply)

			return nil
		})
	})

	if err != nil {
		e.logger.Warnw("Failed to enumerate audio sinks", "error", err)
		return []AudioDevice{}
	}

	e.logger.Debugw("Enumerated audio sinks", "count", len(devices))

	return devices
}

// sinksToDevices keeps PulseAudio's sink order, dropping sinks without a name
func sinksToDevices(logger *zap.SugaredLogger, sinks proto.GetSinkInfoListReply) []AudioDevice {
	devices := []AudioDevice{}

	for _, sink := range sinks {
		if sink == nil {
			continue
		}

		if sink.SinkName == "" {
			logger.Debugw("Sink has no name, skipping", "sinkIndex", sink.SinkIndex)
			continue
		}

		device := AudioDevice{ID: sink.SinkName}
		if description, ok := sink.Properties["device.description"]; ok {
			device.Name = description.String()
		}

		devices = append(devices, device)
	}

	return devices
}

func (e *paEnumerator) DefaultID() (string, error) {
	var id string

	err := withSession(e.apartment, func() error {
		return withPulseClient(func(client *proto.Client) error {
			request := proto.GetServerInfo{}
			reply := proto.GetServerInfoReply{}

			if err := client.Request(&request, &reply); err != nil {
				return fmt.Errorf("get server info: %w", err)
			}

			id = reply.DefaultSinkName
			return nil
		})
	})

	if err != nil {
		e.logger.Warnw("Failed to get default audio sink", "error", err)
		return "", err
	}

	return id, nil
}

// withPulseClient opens a fresh PulseAudio connection for the duration of fn
func withPulseClient(fn func(client *proto.Client) error) error {
	client, conn, err := connectPulse()
	if err != nil {
		return err
	}
	defer conn.Close()

	return fn(client)
}

func connectPulse() (*proto.Client, net.Conn, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		return nil, nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString(paClientName),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	return client, conn, nil
}
