package main

import (
	"sort"
	"strconv"
	"sync"
	"time"

	fcm "github.com/NaySoftware/go-fcm"
	cache "github.com/patrickmn/go-cache"
	"github.com/underlx/routealerts/alerting"
	"github.com/underlx/routealerts/config"
	"github.com/underlx/routealerts/types"
)

// SetUpNotifiers creates the transport for each notification method. Methods
// without a gateway are written to the alerts log.
func SetUpNotifiers(cfg *config.Config) alerting.Notifier {
	console := &alerting.ConsoleNotifier{Log: alertsLog}
	notifier := alerting.MethodNotifier{
		types.MethodEmail: console,
		types.MethodSMS:   console,
	}
	gateways := map[string]struct {
		webhook  config.Webhook
		tokenKey string
	}{
		types.MethodEmail: {cfg.Notifiers.Email, "emailGatewayToken"},
		types.MethodSMS:   {cfg.Notifiers.SMS, "smsGatewayToken"},
	}
	for method, gateway := range gateways {
		if gateway.webhook.URL == "" {
			continue
		}
		token, _ := secrets.Get(gateway.tokenKey)
		webhook := alerting.NewWebhookNotifier(gateway.webhook.URL, token, gateway.webhook.Timeout)
		notifier[method] = alerting.NewBreakerNotifier(method, webhook,
			gateway.webhook.BreakerFailures, gateway.webhook.BreakerTimeout, alertsLog)
	}
	return notifier
}

var fcmMu sync.Mutex

// sendFCM sends a high priority FCM data message to a topic
func sendFCM(topic string, data map[string]string) error {
	fcmMu.Lock()
	defer fcmMu.Unlock()
	if fcmcl == nil {
		// too soon
		return nil
	}
	if DEBUG {
		topic += "-debug"
	}
	fcmcl.NewFcmMsgTo("/topics/"+topic, data)
	fcmcl.SetPriority(fcm.Priority_HIGH)
	_, err := fcmcl.Send()
	return err
}

// lineBroadcaster pushes the status of a line to the app topic of the line
// whenever it changes, independently of any route
type lineBroadcaster struct {
	send        func(topic string, data map[string]string) error
	topicPrefix string
	// last state hash broadcast per line
	memory *cache.Cache
}

func newLineBroadcaster(send func(topic string, data map[string]string) error, topicPrefix string, memoryTTL time.Duration) *lineBroadcaster {
	return &lineBroadcaster{
		send:        send,
		topicPrefix: topicPrefix,
		memory:      cache.New(memoryTTL, memoryTTL),
	}
}

// ObserveDisruptions implements alerting.Observer
func (b *lineBroadcaster) ObserveDisruptions(alertable []*types.Disruption, cleared map[string]*types.Disruption) {
	byLine := make(map[string][]*types.Disruption)
	for _, d := range alertable {
		byLine[d.LineID] = append(byLine[d.LineID], d)
	}
	for lineID, d := range cleared {
		if _, disrupted := byLine[lineID]; !disrupted {
			byLine[lineID] = []*types.Disruption{d}
		}
	}

	lines := make([]string, 0, len(byLine))
	for lineID := range byLine {
		lines = append(lines, lineID)
	}
	sort.Strings(lines)

	for _, lineID := range lines {
		disruptions := byLine[lineID]
		hash := alerting.StateHash(lineID, disruptions)
		previous, known := b.memory.Get(lineID)
		if known && previous.(string) == hash {
			continue
		}
		isCleared := disruptions[0] == cleared[lineID]
		if isCleared && !known {
			// nothing to recover from as far as we know
			b.memory.SetDefault(lineID, hash)
			continue
		}

		first := disruptions[0]
		data := map[string]string{
			"line":     lineID,
			"status":   first.SeverityDescription,
			"severity": strconv.Itoa(first.SeverityLevel),
			"reason":   first.Reason,
			"downtime": strconv.FormatBool(!isCleared),
		}
		mainLog.Println("Broadcasting status of line " + lineID + ": " + first.SeverityDescription)
		if err := b.send(b.topicPrefix+lineID, data); err != nil {
			mainLog.Println(err)
			continue
		}
		b.memory.SetDefault(lineID, hash)
	}
}
