package hardware

import (
	"io"

	"github.com/tarm/serial"
	"github.com/wfunc/cash-terminal/internal/config"
	errs "github.com/wfunc/cash-terminal/internal/errors"
)

// SerialPort 串口抽象（测试时注入MockPort）
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// OpenPort 按配置打开串口
// 读超时取配置值，保证Poll内的读操作有界返回
func OpenPort(cfg *config.SerialConfig) (SerialPort, error) {
	parity := serial.ParityNone
	switch cfg.Parity {
	case "O", "odd":
		parity = serial.ParityOdd
	case "E", "even":
		parity = serial.ParityEven
	}

	c := &serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.BaudRate,
		Size:        byte(cfg.DataBits),
		Parity:      parity,
		StopBits:    serial.StopBits(cfg.StopBits),
		ReadTimeout: cfg.ReadTimeout,
	}

	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrSerialPortOpen, "打开串口失败: "+cfg.Port)
	}
	return port, nil
}
