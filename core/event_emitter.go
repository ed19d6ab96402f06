package orchestration

import "github.com/koscakluka/ema-turncore/core/events"

type eventEmitter func(events.Event)

func newCallbackEventEmitter(opts callbacks) eventEmitter {
	return func(event events.Event) {
		if opts.onEvent != nil {
			opts.onEvent(event)
		}

		switch typedEvent := event.(type) {
		case events.SentenceDetected:
			if opts.onSentence != nil {
				opts.onSentence(SentenceUnit{
					Index:   typedEvent.Index,
					Text:    typedEvent.Text,
					IsFirst: typedEvent.IsFirst,
					IsLast:  typedEvent.IsLast,
				})
			}
		case events.AudioReady:
			if opts.onAudioReady != nil {
				opts.onAudioReady(typedEvent.Index, typedEvent.Audio)
			}
		case events.AllAudioReady:
			if opts.onAllAudioReady != nil {
				opts.onAllAudioReady(typedEvent.Audio)
			}
		case events.BackchannelExecuted:
			if opts.onBackchannel != nil {
				opts.onBackchannel(typedEvent.Phrase, typedEvent.Audio)
			}
		}
	}
}
