package email

import (
	"context"
	"fmt"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/util"
	"github.com/toxicbuild/master/master/notify"
)

// maxSubjectLength keeps email subjects within what common mail clients display.
const maxSubjectLength = 120

// Notifier emails recipients when a build finishes in a bad status, composing the message from
// the build's step commands and output.
type Notifier struct {
	client     *Client
	recipients []string
	log        logger.Log
}

func NewNotifier(client *Client, recipients []string, logFactory logger.LogFactory) *Notifier {
	return &Notifier{client: client, recipients: recipients, log: logFactory("EmailNotifier")}
}

// Register subscribes the notifier to build-finished signals on bus. Only fail and exception
// builds produce an email.
func (n *Notifier) Register(bus *notify.Service) {
	bus.Subscribe(notify.BuildFinished, func(signal string, payload notify.Payload) {
		status, _ := payload["status"].(string)
		if status != "fail" && status != "exception" {
			return
		}
		builderName, _ := payload["builder_name"].(string)
		branch, _ := payload["branch"].(string)

		subject := util.TruncateStringToMaxLength(
			fmt.Sprintf("Build %s on %s: %s", builderName, branch, status), maxSubjectLength)
		message := composeMessage(payload)

		if err := n.client.Send(context.Background(), n.recipients, subject, message); err != nil {
			n.log.Errorf("error sending build failure email: %v", err)
		}
	})
}

// composeMessage flattens the build's steps into command-plus-output lines.
func composeMessage(payload notify.Payload) string {
	steps, _ := payload["steps"].([]map[string]interface{})
	out := ""
	for _, step := range steps {
		command, _ := step["command"].(string)
		output, _ := step["output"].(string)
		out += command + "\n" + output
	}
	if out == "" {
		out = "no output recorded"
	}
	return out
}
