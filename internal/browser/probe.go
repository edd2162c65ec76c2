package browser

// probeJS returns the first visible element matching (kind, value), or null
// so rod keeps polling until the probe context expires.
//
// label:       <label> text (control), aria-label, aria-labelledby
// text:        innermost visible element whose text contains the value
// placeholder: placeholder attribute contains the value
// testid:      data-testid equals the value
// xpath / css: raw selector
//
// Text comparisons are whitespace-normalized and case-insensitive.
const probeJS = `(kind, value) => {
	const visible = (el) => {
		if (!el || !(el instanceof Element)) return false;
		const style = window.getComputedStyle(el);
		if (style.visibility === 'hidden' || style.display === 'none') return false;
		const rect = el.getBoundingClientRect();
		return rect.width > 0 && rect.height > 0;
	};
	const norm = (s) => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
	const want = norm(value);
	const first = (list) => {
		for (const el of list) {
			if (visible(el)) return el;
		}
		return null;
	};

	switch (kind) {
	case 'label': {
		const hits = [];
		for (const l of document.querySelectorAll('label')) {
			if (l.control && norm(l.innerText).includes(want)) hits.push(l.control);
		}
		for (const el of document.querySelectorAll('[aria-label]')) {
			if (norm(el.getAttribute('aria-label')).includes(want)) hits.push(el);
		}
		for (const el of document.querySelectorAll('[aria-labelledby]')) {
			const text = el.getAttribute('aria-labelledby').split(/\s+/).map((id) => {
				const ref = document.getElementById(id);
				return ref ? ref.innerText : '';
			}).join(' ');
			if (norm(text).includes(want)) hits.push(el);
		}
		return first(hits);
	}
	case 'text': {
		if (!document.body) return null;
		let best = null;
		for (const el of document.body.querySelectorAll('*')) {
			if (['SCRIPT', 'STYLE', 'NOSCRIPT', 'TEMPLATE'].includes(el.tagName)) continue;
			if (best && !best.contains(el)) continue;
			if (norm(el.innerText).includes(want) && visible(el)) best = el;
		}
		return best;
	}
	case 'placeholder':
		return first(Array.from(document.querySelectorAll('[placeholder]'))
			.filter((el) => norm(el.getAttribute('placeholder')).includes(want)));
	case 'testid':
		return first(Array.from(document.querySelectorAll('[data-testid]'))
			.filter((el) => el.getAttribute('data-testid') === value));
	case 'xpath': {
		const snap = document.evaluate(value, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
		const list = [];
		for (let i = 0; i < snap.snapshotLength; i++) list.push(snap.snapshotItem(i));
		return first(list);
	}
	default:
		return first(document.querySelectorAll(value));
	}
}`
