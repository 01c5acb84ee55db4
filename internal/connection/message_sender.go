package connection

import (
	"net"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
)

// Send 将数据完整写入连接
func Send(conn net.Conn, data []byte, connID string) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			if !IsNetClosedError(err) {
				logger.ErrorF("[%s] Fail to send data, details: %v", connID, err)
			}
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", connID, total)
	return nil
}
