package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/w0otness/opifex/internal/client"
	"github.com/w0otness/opifex/internal/logger"
	"github.com/w0otness/opifex/internal/packet"
	"github.com/w0otness/opifex/internal/transport"
)

const mqttHelp = `MQTT command line interface, available commands are:

    * publish     publish a message to the broker
    * subscribe   subscribe for updates from the broker

Run 'mqtt [command] --help' to know more about the commands.`

const subscribeUsage = `Usage: mqtt subscribe <options>

Where options are:
%s
Example: mqtt subscribe -t hello
`

const publishUsage = `Usage: mqtt publish <options>

Where options are:
%s
Example: mqtt publish -t hello -m world
`

var errUsage = errors.New("usage")

type connectFlags struct {
	url      string
	clientID string
	username string
	password string
	certFile string
	noClean  bool
	help     bool
	debug    bool
}

func (f *connectFlags) register(fs *flag.FlagSet) {
	fs.StringVarP(&f.url, "url", "u", client.DefaultURL, "the URL to connect to")
	fs.StringVarP(&f.clientID, "clientId", "i", "Opifex-"+uuid.NewString(), "the clientId to connect to the server")
	fs.StringVarP(&f.username, "username", "U", "", "the username to connect to the server")
	fs.StringVarP(&f.password, "password", "P", "", "the password to connect to the server")
	fs.StringVarP(&f.certFile, "certFile", "c", "", "the path to a certFile")
	fs.BoolVarP(&f.noClean, "noClean", "n", false, "try to resume a previous session")
	fs.BoolVarP(&f.help, "help", "h", false, "this text")
	fs.BoolVar(&f.debug, "debug", false, "print debug logs")
}

func (f *connectFlags) connect(ctx context.Context, log *slog.Logger) (*client.Client, error) {
	tlsConfig, err := transport.ClientTLSConfig(f.certFile)
	if err != nil {
		return nil, err
	}
	c := client.New(
		client.WithDialer(transport.NewFactory(tlsConfig)),
		client.WithLogger(log),
	)
	params := client.ConnectParameters{
		URL:      f.url,
		ClientID: f.clientID,
		Username: f.username,
		Clean:    !f.noClean,
	}
	if f.password != "" {
		params.Password = []byte(f.password)
	}
	if _, err := c.Connect(params).Wait(ctx); err != nil {
		// 停止后台重连
		_ = c.Disconnect(context.Background())
		return nil, err
	}
	log.Debug("Connected !")
	return c, nil
}

func parseQoS(qos int) byte {
	if qos >= 0 && qos <= 2 {
		return byte(qos)
	}
	fmt.Println("QoS must be between 0 and 2")
	return 0
}

func usage(fs *flag.FlagSet, format string) func() {
	return func() {
		fmt.Printf(format, fs.FlagUsages())
	}
}

func newLogger(debug bool) (*slog.Logger, func()) {
	log, callback := logger.NewConsole(debug)
	return log, func() { _ = callback.Invoke(context.Background()) }
}

func subscribe(ctx context.Context, args []string) error {
	var cf connectFlags
	var topic string
	var qos int
	fs := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	fs.StringVarP(&topic, "topic", "t", "", "the topic to use")
	fs.IntVarP(&qos, "qos", "q", 0, "the QoS (0/1/2) to use")
	cf.register(fs)
	fs.Usage = usage(fs, subscribeUsage)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if cf.help {
		fs.Usage()
		return nil
	}
	if topic == "" {
		fmt.Println("Missing `topic`")
		return errUsage
	}

	log, flush := newLogger(cf.debug)
	defer flush()
	c, err := cf.connect(ctx, log)
	if err != nil {
		return err
	}
	defer disconnect(c, log)

	codes, err := c.Subscribe(ctx, client.SubscribeParameters{
		Subscriptions: []packet.Subscription{{TopicFilter: topic, QoS: parseQoS(qos)}},
	})
	if err != nil {
		return err
	}
	if codes[0] == packet.SubscriptionFailure {
		return fmt.Errorf("subscription to %q refused", topic)
	}
	log.Debug("Subscribed!", "qos", codes[0])

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.Messages():
			if !ok {
				return client.ErrClientClosed
			}
			fmt.Println(string(msg.Payload))
		}
	}
}

func publish(ctx context.Context, args []string) error {
	var cf connectFlags
	var topic, message string
	var qos int
	var retain bool
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.StringVarP(&topic, "topic", "t", "", "the topic to use")
	fs.StringVarP(&message, "message", "m", "", "the message to send")
	fs.IntVarP(&qos, "qos", "q", 0, "the QoS (0/1/2) to use")
	fs.BoolVarP(&retain, "retain", "r", false, "if the message should be retained")
	cf.register(fs)
	fs.Usage = usage(fs, publishUsage)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if cf.help {
		fs.Usage()
		return nil
	}
	if topic == "" {
		fmt.Println("Missing `topic`")
		return errUsage
	}

	log, flush := newLogger(cf.debug)
	defer flush()
	c, err := cf.connect(ctx, log)
	if err != nil {
		return err
	}
	defer disconnect(c, log)

	err = c.Publish(ctx, client.PublishParameters{
		Topic:   topic,
		Payload: []byte(message),
		QoS:     parseQoS(qos),
		Retain:  retain,
	})
	if err != nil {
		return err
	}
	log.Debug("Published!")
	return nil
}

func disconnect(c *client.Client, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil && !errors.Is(err, client.ErrNotConnected) {
		log.Warn("Disconnect failed", "error", err)
		return
	}
	log.Debug("Disconnected !")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "publish":
		err = publish(ctx, os.Args[2:])
	case "subscribe":
		err = subscribe(ctx, os.Args[2:])
	default:
		fmt.Println(mqttHelp)
		return
	}

	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Printf("Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}
