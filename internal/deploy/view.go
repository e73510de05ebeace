package deploy

import (
	"experiment-deployer/internal/platform"
)

// View is a remote resource's code reduced to the fields drift detection
// needs. An empty string means the platform holds no code for that field.
type View struct {
	CSS    string
	JS     string
	HasCSS bool
	IsLive bool
}

func variationView(exp platform.Experiment, v platform.Variation) View {
	return View{CSS: v.CSS(), JS: v.JS(), HasCSS: true, IsLive: exp.IsLive()}
}

func personalizationView(p platform.Personalization) View {
	return View{CSS: p.CSS(), JS: p.JS(), HasCSS: true, IsLive: p.IsLive()}
}

func commonView(o ownerResource) View {
	return View{CSS: o.commonCSS, JS: o.commonJS, HasCSS: true, IsLive: o.live}
}

// Sites have no live status.
func globalView(s platform.Site) View {
	return View{JS: s.TrackingScript()}
}

// A targeting condition is live when its owner is.
func targetingView(c platform.Condition, ownerLive bool) View {
	return View{JS: c.JS(), IsLive: ownerLive}
}
